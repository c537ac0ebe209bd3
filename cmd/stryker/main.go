// Command stryker is the reference CLI for the transport implemented
// by this module: a server that echoes Requests back to the caller, a
// client that can fire single requests or a small throughput
// benchmark, and the usual version/help commands. Consolidated from
// the original implementation's three separate binaries (server,
// bench-server, bench-client) into one dispatcher, following the
// teacher's cmd/maboo/main.go subcommand-switch shape.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Helselia/Stryker/internal/adminserver"
	"github.com/Helselia/Stryker/internal/codec"
	"github.com/Helselia/Stryker/internal/config"
	"github.com/Helselia/Stryker/internal/frametap"
	"github.com/Helselia/Stryker/internal/rpcclient"
	"github.com/Helselia/Stryker/internal/rpcserver"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		serve()
	case "echo":
		echoClient()
	case "bench-client":
		benchClient()
	case "version":
		fmt.Printf("stryker v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serve() {
	cfgPath := "stryker.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, startupCloser := setupLogger("info", "json", "stdout")
	if startupCloser != nil {
		defer startupCloser.Close()
	}
	logger.Info("stryker starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("failed to load config, using defaults", "path", cfgPath, "error", err)
		cfg = config.Default()
	}

	if startupCloser != nil {
		_ = startupCloser.Close()
		startupCloser = nil
	}
	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	appCodec, err := codec.ByName(cfg.Codec.Name)
	if err != nil {
		logger.Error("invalid codec", "error", err)
		os.Exit(1)
	}

	var tap *frametap.Manager
	if cfg.Admin.EnableFrameTap {
		tap = frametap.NewManager(logger)
	}

	srv, err := rpcserver.New(rpcserver.Config{
		SupportedEncodings: cfg.Server.SupportedEncodings,
		MaxPayloadSize:     cfg.Server.MaxPayloadSize,
		PingIntervalMs:     uint32(cfg.Server.PingInterval.Duration().Milliseconds()),
		HandshakeTimeout:   cfg.Server.HandshakeTimeout.Duration(),
		WorkerPoolCapacity: cfg.Server.WorkerPoolCapacity,
		RequestHandler:     rpcserver.RequestHandlerFunc(echoRequestHandler(appCodec)),
		Logger:             logger,
		FrameTap:           tap,
	})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	var admin *adminserver.Server
	if cfg.Admin.Enabled {
		admin = adminserver.New(adminserver.Config{
			Address:      cfg.Admin.Address,
			Metrics:      srv.Metrics(),
			MetricsPath:  cfg.Metrics.Path,
			FrameTap:     tap,
			FrameTapPath: cfg.Admin.FrameTapPath,
			Logger:       logger,
		})
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx, cfg.Server.Address) }()

	logger.Info("stryker ready", "address", cfg.Server.Address)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	cancel()
	<-serveErr

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin shutdown error", "error", err)
		}
	}

	logger.Info("stryker stopped")
}

// echoRequestHandler builds the reference RequestHandler this
// server runs: it decodes the payload with appCodec and encodes the
// same value straight back, exercising the negotiated codec round
// trip without implying any particular application protocol. The
// negotiated encoding passed in by the connection is opaque to this
// handler — c is chosen once at startup from config, not per request.
func echoRequestHandler(c codec.Codec) func(ctx context.Context, payload []byte, encoding string) ([]byte, error) {
	return func(ctx context.Context, payload []byte, encoding string) ([]byte, error) {
		if _, ok := c.(codec.Identity); ok {
			return payload, nil
		}
		var decoded interface{}
		if err := c.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("decoding request payload: %w", err)
		}
		encoded, err := c.Marshal(decoded)
		if err != nil {
			return nil, fmt.Errorf("encoding response payload: %w", err)
		}
		return encoded, nil
	}
}

func echoClient() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: stryker echo <address> [message]")
		os.Exit(1)
	}
	address := os.Args[2]
	message := "hello from stryker"
	if len(os.Args) > 3 {
		message = os.Args[3]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := rpcclient.StartConnect(ctx, address, rpcclient.Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.AwaitReady(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "handshake: %v\n", err)
		os.Exit(1)
	}

	resp, err := c.Request(ctx, []byte(message))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(resp))
}

func benchClient() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: stryker bench-client <address> [count]")
		os.Exit(1)
	}
	address := os.Args[2]
	count := 1000
	if len(os.Args) > 3 {
		fmt.Sscanf(os.Args[3], "%d", &count)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := rpcclient.StartConnect(ctx, address, rpcclient.Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.AwaitReady(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "handshake: %v\n", err)
		os.Exit(1)
	}

	payload := []byte("benchmark-payload")
	start := time.Now()
	for i := 0; i < count; i++ {
		if _, err := c.Request(ctx, payload); err != nil {
			fmt.Fprintf(os.Stderr, "request %d failed: %v\n", i, err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d requests in %v (%.0f req/s)\n", count, elapsed, float64(count)/elapsed.Seconds())
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`stryker - length-prefixed request/response/push RPC transport

Usage:
  stryker <command> [options]

Commands:
  serve [config]             Start the RPC server (default config: stryker.yaml)
  echo <address> [message]   Connect, send one Request, print the Response
  bench-client <addr> [n]    Connect and issue n sequential Requests (default 1000)
  version                    Show version
  help                       Show this help

Signals:
  SIGINT/SIGTERM   Graceful shutdown

Examples:
  stryker serve
  stryker serve /etc/stryker/stryker.yaml
  stryker echo 127.0.0.1:7878 "hello"
  stryker bench-client 127.0.0.1:7878 5000`)
}
