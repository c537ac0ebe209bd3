// Package adminserver is the optional plain-HTTP side channel next to
// the raw TCP transport: health checks for an orchestrator's
// liveness/readiness probes, a Prometheus-format /metrics endpoint,
// and (if enabled) a frame tap WebSocket feed for live debugging.
// None of this is part of the wire protocol; it exists purely as
// operational tooling, following the shape of the teacher's
// internal/server package (server.go/router.go/health.go/metrics.go)
// adapted from an HTTP application server's admin surface to a TCP
// RPC server's.
package adminserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Helselia/Stryker/internal/frametap"
	"github.com/Helselia/Stryker/internal/metrics"
	"github.com/Helselia/Stryker/internal/workerpool"
)

// Config configures a Server.
type Config struct {
	Address string

	Pool    *workerpool.Pool
	Metrics *metrics.Registry

	MetricsPath string // defaults to /metrics

	// FrameTap, if non-nil, is mounted at FrameTapPath (default
	// /frames) as a WebSocket endpoint streaming FrameEvents.
	FrameTap     *frametap.Manager
	FrameTapPath string

	Logger *slog.Logger
}

// Server is a small net/http server exposing operational endpoints
// alongside the TCP transport.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New builds a Server from cfg. It does not start listening.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	frameTapPath := cfg.FrameTapPath
	if frameTapPath == "" {
		frameTapPath = "/frames"
	}

	mux := http.NewServeMux()
	health := newHealthHandler(cfg.Pool)
	mux.HandleFunc("/healthz", health.liveness)
	mux.HandleFunc("/readyz", health.readiness)

	if cfg.Metrics != nil {
		mux.HandleFunc(metricsPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			w.Write([]byte(cfg.Metrics.Render()))
		})
	}

	if cfg.FrameTap != nil {
		mux.Handle(frameTapPath, frametap.NewHandler(cfg.FrameTap, logger))
	}

	handler := coreMiddleware(logger)(compressionMiddleware()(mux))

	return &Server{
		http: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks serving the admin endpoints until Shutdown is
// called, returning http.ErrServerClosed in that case.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin server listening", "address", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
