// Package rpcserver implements the server-side connection policy:
// accepting TCP connections, performing upgrade and handshake with
// encoding negotiation, and dispatching Request/Push frames to an
// application-supplied RequestHandler through a bounded worker pool.
// Grounded on toku_server/src/connection_handler.rs from the original
// implementation and on the teacher's accept-loop/logging conventions
// in internal/server/server.go.
package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Helselia/Stryker/internal/connection"
	"github.com/Helselia/Stryker/internal/frametap"
	"github.com/Helselia/Stryker/internal/metrics"
	"github.com/Helselia/Stryker/internal/workerpool"
)

// Config configures a Server.
type Config struct {
	// SupportedEncodings is the server's supported encoding list, in
	// no particular priority order — the client's order decides which
	// one wins (spec.md §4.5).
	SupportedEncodings []string
	MaxPayloadSize     uint32
	PingIntervalMs     uint32
	HandshakeTimeout   time.Duration
	// WorkerPoolCapacity bounds concurrent RequestHandler invocations
	// across every connection this server accepts.
	WorkerPoolCapacity int

	RequestHandler RequestHandler
	PushHandler    PushHandler

	Logger  *slog.Logger
	Metrics *metrics.Registry
	// FrameTap, if set, receives a FrameEvent for every Request, Push,
	// and Response this server observes, for live debugging via
	// internal/frametap. It plays no part in the protocol itself.
	FrameTap *frametap.Manager
}

// Server accepts connections and drives each through its own
// connection.Driver.
type Server struct {
	cfg    *handlerConfig
	logger *slog.Logger

	handshakeTimeout time.Duration
	pool             *workerpool.Pool
	metrics          *metrics.Registry

	mu       sync.Mutex
	listener net.Listener
	drivers  map[*connection.Driver]struct{}
}

// New validates cfg and constructs a Server. It does not start
// listening; call ListenAndServe for that.
func New(cfg Config) (*Server, error) {
	if cfg.RequestHandler == nil {
		return nil, fmt.Errorf("rpcserver: RequestHandler is required")
	}
	if len(cfg.SupportedEncodings) == 0 {
		return nil, fmt.Errorf("rpcserver: at least one supported encoding is required")
	}
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = 16 * 1024 * 1024
	}
	if cfg.PingIntervalMs == 0 {
		cfg.PingIntervalMs = 30_000
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WorkerPoolCapacity <= 0 {
		cfg.WorkerPoolCapacity = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool := workerpool.New(cfg.WorkerPoolCapacity)
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.New(pool)
	}
	hc := &handlerConfig{
		supportedEncodings: cfg.SupportedEncodings,
		maxPayloadSize:     cfg.MaxPayloadSize,
		pingIntervalMs:     cfg.PingIntervalMs,
		requestHandler:     cfg.RequestHandler,
		pushHandler:        cfg.PushHandler,
		pool:               pool,
		metrics:            reg,
		frameTap:           cfg.FrameTap,
	}

	return &Server{
		cfg:              hc,
		logger:           logger,
		handshakeTimeout: cfg.HandshakeTimeout,
		pool:             pool,
		metrics:          reg,
		drivers:          make(map[*connection.Driver]struct{}),
	}, nil
}

// ListenAndServe binds address and serves connections until ctx is
// canceled or a fatal accept error occurs.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("rpc server listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForDrivers()
				s.pool.Stop()
				return nil
			default:
				return fmt.Errorf("rpcserver: accept: %w", err)
			}
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	h := newHandler(s.cfg, conn.RemoteAddr().String())
	driver := connection.New(conn, h, s.handshakeTimeout)

	s.mu.Lock()
	s.drivers[driver] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
	s.metrics.ConnectionAccepted()

	go func() {
		err := driver.Run(ctx)
		s.logger.Debug("connection closed", "remote", conn.RemoteAddr().String(), "cause", err)
		s.metrics.ConnectionClosed(err != nil)
		s.mu.Lock()
		delete(s.drivers, driver)
		s.mu.Unlock()
	}()
}

// Metrics returns the registry tracking this server's connections and
// requests, for mounting on an adminserver.Server.
func (s *Server) Metrics() *metrics.Registry {
	return s.metrics
}

func (s *Server) waitForDrivers() {
	for {
		s.mu.Lock()
		n := len(s.drivers)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Stats returns the shared worker pool's current utilization.
func (s *Server) Stats() workerpool.Stats {
	return s.pool.Stats()
}
