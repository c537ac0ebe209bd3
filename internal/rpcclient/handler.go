package rpcclient

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/Helselia/Stryker/internal/connerr"
	"github.com/Helselia/Stryker/internal/frameio"
	"github.com/Helselia/Stryker/internal/rpchandler"
	"github.com/Helselia/Stryker/internal/upgrade"
	"github.com/Helselia/Stryker/internal/wire"
)

// clientEvent is the InternalEvent payload type this policy injects
// into its connection.Driver: a request or push the caller wants
// emitted as a frame.
type clientEvent struct {
	push    bool
	payload []byte
	waiter  *responseWaiter // nil for push
}

// handler implements rpchandler.Handler for the client side of a
// connection: it drives the upgrade/handshake exchange and correlates
// Response/Error frames against outstanding waiters.
type handler struct {
	maxPayloadSize uint32
	encodings      []string
	waiters        *waiterTable
}

func newHandler(maxPayloadSize uint32, encodings []string) *handler {
	return &handler{maxPayloadSize: maxPayloadSize, encodings: encodings, waiters: newWaiterTable()}
}

func (h *handler) SendGoAway() bool       { return false }
func (h *handler) MaxPayloadSize() uint32 { return h.maxPayloadSize }

func (h *handler) Upgrade(ctx context.Context, conn net.Conn) (*bufio.Reader, error) {
	br := bufio.NewReaderSize(conn, 64*1024)
	if err := upgrade.WriteRequest(conn, wire.Version); err != nil {
		return nil, connerr.Wrap(connerr.KindTCPStreamClosed, err)
	}
	if err := upgrade.ReadResponse(br); err != nil {
		return nil, mapUpgradeErr(err)
	}
	return br, nil
}

func (h *handler) Handshake(ctx context.Context, br *bufio.Reader, w rpchandler.FrameSender) (rpchandler.Ready, error) {
	hello, err := wire.Hello(h.encodings, nil)
	if err != nil {
		return rpchandler.Ready{}, connerr.Wrap(connerr.KindInvalidEncoding, err)
	}
	if err := w.Send(hello); err != nil {
		return rpchandler.Ready{}, connerr.Wrap(connerr.KindTCPStreamClosed, err)
	}

	f, err := frameio.ReadOne(br, h.maxPayloadSize)
	if err != nil {
		return rpchandler.Ready{}, mapHandshakeErr(err)
	}
	switch f.Opcode {
	case wire.OpHelloAck:
		return rpchandler.Ready{PingInterval: int64(f.PingIntervalMs), Encoding: f.Encoding}, nil
	case wire.OpGoAway:
		return rpchandler.Ready{}, connerr.ToldToGoAway(f.Code, f.Payload)
	default:
		return rpchandler.Ready{}, connerr.InvalidOpcode(uint8(f.Opcode))
	}
}

func (h *handler) HandleFrame(ctx context.Context, f rpchandler.DelegatedFrame) (func() (*wire.Frame, error), error) {
	switch f.Kind {
	case rpchandler.DelegatedResponse:
		h.waiters.complete(f.SequenceID, &wire.Frame{Opcode: wire.OpResponse, Payload: f.Payload})
	case rpchandler.DelegatedError:
		h.waiters.complete(f.SequenceID, &wire.Frame{Opcode: wire.OpError, Code: f.Code, Payload: f.Payload})
	case rpchandler.DelegatedPush:
		// Server-initiated pushes have no application observer wired
		// into this policy; a future revision could expose a
		// subscription channel here.
	case rpchandler.DelegatedRequest:
		return nil, fmt.Errorf("rpcclient: server is not permitted to send Request frames to a client")
	}
	return nil, nil
}

func (h *handler) HandleInternalEvent(ctx context.Context, event interface{}, allocateSequenceID func() uint32) (*wire.Frame, error) {
	ev, ok := event.(clientEvent)
	if !ok {
		return nil, fmt.Errorf("rpcclient: unexpected internal event type %T", event)
	}
	if ev.push {
		return wire.Push(ev.payload), nil
	}
	seq := allocateSequenceID()
	h.waiters.put(seq, ev.waiter)
	return wire.Request(seq, ev.payload), nil
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
