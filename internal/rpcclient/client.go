// Package rpcclient implements the client-side connection policy:
// issuing requests and pushes, correlating responses against waiters,
// and exposing readiness/closed state to application callers. Grounded
// on toku_client/src/client.rs and toku_client/src/waiter.rs from the
// original implementation, adapted to Go's context.Context-based
// cancellation instead of tokio's Instant/timeout_at deadlines.
package rpcclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Helselia/Stryker/internal/connection"
	"github.com/Helselia/Stryker/internal/connerr"
)

// Config configures a client connection.
type Config struct {
	// Encodings is the client's ordered encoding preference list,
	// offered to the server during handshake.
	Encodings []string
	// MaxPayloadSize bounds every frame this connection will accept.
	MaxPayloadSize uint32
	// HandshakeTimeout bounds the upgrade+handshake phase.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds how long Request waits for a correlated
	// Response or Error frame (spec.md §4.6). A waiter that times out
	// resolves with connerr.RequestTimeout() and the connection stays
	// Ready — this is a per-request deadline, not a connection error.
	// Zero disables it, leaving the caller's ctx as the only deadline.
	RequestTimeout time.Duration
}

// Client is a single connection to a server, offering Request/Push
// against the negotiated encoding.
type Client struct {
	driver         *connection.Driver
	handler        *handler
	cancel         context.CancelFunc
	doneErr        chan struct{}
	requestTimeout time.Duration
}

// StartConnect dials address and drives the connection's lifecycle in
// a background goroutine, returning once the TCP connection is
// established (not once the handshake completes — use AwaitReady for
// that).
func StartConnect(ctx context.Context, address string, cfg Config) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", address, err)
	}

	h := newHandler(cfg.MaxPayloadSize, cfg.Encodings)
	driver := connection.New(conn, h, cfg.HandshakeTimeout)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		driver:         driver,
		handler:        h,
		cancel:         cancel,
		doneErr:        make(chan struct{}),
		requestTimeout: cfg.RequestTimeout,
	}

	go func() {
		_ = driver.Run(runCtx)
		h.waiters.failAll(driver.Err())
		close(c.doneErr)
	}()

	return c, nil
}

// AwaitReady blocks until the handshake completes or ctx is canceled.
func (c *Client) AwaitReady(ctx context.Context) error {
	select {
	case <-c.driver.ReadyChan():
		return nil
	case <-c.driver.Done():
		return c.driver.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the handshake has completed.
func (c *Client) IsReady() bool { return c.driver.IsReady() }

// IsClosed reports whether the connection has finished (successfully
// or not).
func (c *Client) IsClosed() bool {
	select {
	case <-c.driver.Done():
		return true
	default:
		return false
	}
}

// Encoding returns the negotiated encoding, or an error if the
// handshake has not completed.
func (c *Client) Encoding() (string, error) {
	if !c.driver.IsReady() {
		return "", connerr.NotReady()
	}
	encoding := c.driver.Encoding()
	if encoding == "" {
		return "", connerr.NoClientEncoding()
	}
	return encoding, nil
}

// Request sends payload as a Request frame and blocks for the
// correlated Response (or Error) frame, until ctx is canceled, or
// until RequestTimeout elapses (spec.md §4.6, §8 scenario 5) — a
// timeout resolves with connerr.RequestTimeout() and leaves the
// connection Ready for further requests.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if c.IsClosed() {
		return nil, fmt.Errorf("rpcclient: %w", c.driver.Err())
	}
	if !c.IsReady() {
		return nil, connerr.NotReady()
	}

	w := newResponseWaiter(c.handler.waiters)
	if err := c.driver.EnqueueInternalEvent(clientEvent{payload: payload, waiter: w}); err != nil {
		return nil, fmt.Errorf("rpcclient: %w", err)
	}

	waitCtx := ctx
	if c.requestTimeout > 0 {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, c.requestTimeout)
		defer waitCancel()
	}

	resp, err := w.wait(waitCtx)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return nil, connerr.RequestTimeout()
	}
	return resp, err
}

// Push sends payload as a fire-and-forget Push frame. It is rejected
// the same way Request is when the connection is not yet Ready or has
// already closed (spec.md §3).
func (c *Client) Push(ctx context.Context, payload []byte) error {
	if c.IsClosed() {
		return fmt.Errorf("rpcclient: %w", c.driver.Err())
	}
	if !c.IsReady() {
		return connerr.NotReady()
	}
	if err := c.driver.EnqueueInternalEvent(clientEvent{push: true, payload: payload}); err != nil {
		return fmt.Errorf("rpcclient: %w", err)
	}
	return nil
}

// Close asks the connection to shut down gracefully and waits for it
// to finish.
func (c *Client) Close() error {
	c.driver.RequestClose()
	<-c.doneErr
	c.cancel()
	return c.driver.Err()
}
