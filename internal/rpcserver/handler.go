package rpcserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Helselia/Stryker/internal/connerr"
	"github.com/Helselia/Stryker/internal/frameio"
	"github.com/Helselia/Stryker/internal/frametap"
	"github.com/Helselia/Stryker/internal/metrics"
	"github.com/Helselia/Stryker/internal/rpchandler"
	"github.com/Helselia/Stryker/internal/upgrade"
	"github.com/Helselia/Stryker/internal/wire"
	"github.com/Helselia/Stryker/internal/workerpool"
)

// RequestHandler is the application hook invoked for every Request
// frame a client sends. encoding is the value negotiated during the
// handshake (spec.md §4.5) — the handler interprets payload bytes
// according to it; this policy never inspects or decodes payload
// itself. Returning an error causes the connection driver to emit an
// Error frame back to the client rather than terminating the
// connection (spec.md §4.4 ResponseComplete).
type RequestHandler interface {
	HandleRequest(ctx context.Context, payload []byte, encoding string) ([]byte, error)
}

// RequestHandlerFunc adapts a plain function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, payload []byte, encoding string) ([]byte, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, payload []byte, encoding string) ([]byte, error) {
	return f(ctx, payload, encoding)
}

// PushHandler is an optional hook invoked for every Push frame a
// client sends. A nil PushHandler silently discards pushes.
type PushHandler interface {
	HandlePush(ctx context.Context, payload []byte, encoding string)
}

// PushHandlerFunc adapts a plain function to PushHandler.
type PushHandlerFunc func(ctx context.Context, payload []byte, encoding string)

func (f PushHandlerFunc) HandlePush(ctx context.Context, payload []byte, encoding string) {
	f(ctx, payload, encoding)
}

// handlerConfig is the immutable configuration shared by every
// connection a Server accepts.
type handlerConfig struct {
	supportedEncodings []string
	maxPayloadSize     uint32
	pingIntervalMs     uint32
	requestHandler     RequestHandler
	pushHandler        PushHandler
	pool               *workerpool.Pool
	metrics            *metrics.Registry
	frameTap           *frametap.Manager
}

// handler implements rpchandler.Handler for the server side: it
// performs the upgrade/handshake (negotiating the encoding), then
// dispatches Request/Push frames to the application through a bounded
// workerpool.Pool rather than an unbounded per-request goroutine spawn
// (SPEC_FULL's request-handler dispatch section).
type handler struct {
	cfg      *handlerConfig
	connID   string
	encoding string
}

func newHandler(cfg *handlerConfig, connID string) *handler {
	return &handler{cfg: cfg, connID: connID}
}

func (h *handler) SendGoAway() bool       { return true }
func (h *handler) MaxPayloadSize() uint32 { return h.cfg.maxPayloadSize }

func (h *handler) Upgrade(ctx context.Context, conn net.Conn) (*bufio.Reader, error) {
	br := bufio.NewReaderSize(conn, 64*1024)
	if _, err := upgrade.ReadRequest(br); err != nil {
		return nil, mapUpgradeErr(err)
	}
	if err := upgrade.WriteResponse(conn); err != nil {
		return nil, connerr.Wrap(connerr.KindTCPStreamClosed, err)
	}
	return br, nil
}

func (h *handler) Handshake(ctx context.Context, br *bufio.Reader, w rpchandler.FrameSender) (rpchandler.Ready, error) {
	f, err := frameio.ReadOne(br, h.cfg.maxPayloadSize)
	if err != nil {
		return rpchandler.Ready{}, mapHandshakeErr(err)
	}
	if f.Opcode != wire.OpHello {
		return rpchandler.Ready{}, connerr.InvalidOpcode(uint8(f.Opcode))
	}
	if f.HelloVersion != wire.Version {
		return rpchandler.Ready{}, connerr.UnsupportedVersion(wire.Version, f.HelloVersion)
	}

	encoding, ok := negotiateEncoding(f.Encodings, h.cfg.supportedEncodings)
	if !ok {
		return rpchandler.Ready{}, connerr.NoCommonEncoding()
	}

	ack, err := wire.HelloAck(h.cfg.pingIntervalMs, encoding, "")
	if err != nil {
		return rpchandler.Ready{}, connerr.Wrap(connerr.KindInvalidEncoding, err)
	}
	if err := w.Send(ack); err != nil {
		return rpchandler.Ready{}, connerr.Wrap(connerr.KindTCPStreamClosed, err)
	}

	h.encoding = encoding
	return rpchandler.Ready{PingInterval: int64(h.cfg.pingIntervalMs), Encoding: encoding}, nil
}

// negotiateEncoding walks offered in order and returns the first
// entry that also appears in supported (spec.md §4.5).
func negotiateEncoding(offered, supported []string) (string, bool) {
	supportedSet := make(map[string]bool, len(supported))
	for _, s := range supported {
		supportedSet[s] = true
	}
	for _, candidate := range offered {
		if supportedSet[candidate] {
			return candidate, true
		}
	}
	return "", false
}

func (h *handler) HandleFrame(ctx context.Context, f rpchandler.DelegatedFrame) (func() (*wire.Frame, error), error) {
	switch f.Kind {
	case rpchandler.DelegatedRequest:
		h.tap(frametap.DirectionInbound, "request", f.SequenceID, f.Payload)
		if h.cfg.metrics != nil {
			h.cfg.metrics.FrameReceived("request")
		}
		return h.dispatchRequest(ctx, f), nil
	case rpchandler.DelegatedPush:
		h.tap(frametap.DirectionInbound, "push", 0, f.Payload)
		if h.cfg.metrics != nil {
			h.cfg.metrics.FrameReceived("push")
		}
		if h.cfg.pushHandler != nil {
			// Run off the event loop: waiting for a pool slot or a slow
			// push handler must not stall this connection's other frames.
			payload, encoding := append([]byte(nil), f.Payload...), h.encoding
			go func() {
				_ = h.cfg.pool.Submit(ctx, func() {
					h.cfg.pushHandler.HandlePush(ctx, payload, encoding)
				})
			}()
		}
		return nil, nil
	case rpchandler.DelegatedResponse, rpchandler.DelegatedError:
		return nil, fmt.Errorf("rpcserver: client is not permitted to send %v frames", f.Kind)
	}
	return nil, nil
}

// tap publishes a FrameEvent if a frame tap manager is configured, a
// no-op otherwise so the hot path costs one nil check when debugging
// tooling isn't in use.
func (h *handler) tap(dir frametap.Direction, opcode string, seq uint32, payload []byte) {
	if h.cfg.frameTap == nil {
		return
	}
	h.cfg.frameTap.Publish(frametap.NewFrameEvent(h.connID, dir, opcode, seq, payload))
}

// dispatchRequest returns the Spawn closure the driver runs in its own
// goroutine (never on the event-loop's serialization point). The
// closure blocks there — not on the loop — waiting for a workerpool
// slot, so one connection's requests queuing up never stalls that
// connection's ping/pong or any other connection's traffic.
func (h *handler) dispatchRequest(ctx context.Context, f rpchandler.DelegatedFrame) func() (*wire.Frame, error) {
	seq := f.SequenceID
	payload := append([]byte(nil), f.Payload...)
	encoding := h.encoding

	return func() (*wire.Frame, error) {
		started := time.Now()
		type result struct {
			resp []byte
			err  error
		}
		resultCh := make(chan result, 1)

		err := h.cfg.pool.Submit(ctx, func() {
			resp, err := h.cfg.requestHandler.HandleRequest(ctx, payload, encoding)
			resultCh <- result{resp: resp, err: err}
		})
		if err != nil {
			return nil, err
		}

		r := <-resultCh
		if h.cfg.metrics != nil {
			h.cfg.metrics.ObserveRequestDuration(time.Since(started))
		}
		if r.err != nil {
			if h.cfg.metrics != nil {
				h.cfg.metrics.FrameSent("error")
			}
			return nil, r.err
		}
		if h.cfg.metrics != nil {
			h.cfg.metrics.FrameSent("response")
		}
		h.tap(frametap.DirectionOutbound, "response", seq, r.resp)
		return wire.Response(seq, r.resp), nil
	}
}

func (h *handler) HandleInternalEvent(ctx context.Context, event interface{}, allocateSequenceID func() uint32) (*wire.Frame, error) {
	return nil, fmt.Errorf("rpcserver: no internal events are defined for the server policy")
}

func (h *handler) OnPingReceived() {}

func mapUpgradeErr(err error) error {
	if err == upgrade.ErrStreamClosed {
		return connerr.TCPStreamClosed()
	}
	return connerr.New(connerr.KindInvalidUpgradeFrame, err.Error())
}

func mapHandshakeErr(err error) error {
	if connErr, ok := err.(*connerr.Error); ok {
		return connErr
	}
	return connerr.InternalServerError(err)
}
