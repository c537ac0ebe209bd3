// Package rpchandler defines the abstract capability consumed by the
// connection driver (internal/connection). It mirrors the split
// between the transport-agnostic event loop and the two concrete
// endpoint policies (client and server) described in spec.md §4.4-4.5,
// grounded on toku_connection/src/handler.rs's Handler trait from the
// original implementation: one small interface, generic over an
// application-defined internal event type, that the driver calls into
// at the handshake boundary and on every delegated frame.
package rpchandler

import (
	"bufio"
	"context"
	"net"

	"github.com/Helselia/Stryker/internal/wire"
)

// Ready is produced once a handler completes its handshake phase. The
// driver uses PingInterval to arm its ping timer and treats Encoding
// as an opaque negotiated string handed to request/response callers.
type Ready struct {
	PingInterval int64 // milliseconds
	Encoding     string
}

// DelegatedKind tags which of the four delegatable opcodes a
// DelegatedFrame carries.
type DelegatedKind int

const (
	DelegatedPush DelegatedKind = iota
	DelegatedRequest
	DelegatedResponse
	DelegatedError
)

// DelegatedFrame is everything a Handler needs to act on a frame the
// driver itself doesn't interpret (anything beyond Hello/HelloAck/
// Ping/Pong/GoAway, which the driver handles directly per spec.md §4.4).
type DelegatedFrame struct {
	Kind       DelegatedKind
	SequenceID uint32
	Code       uint16
	Payload    []byte
}

// Handler is implemented once for the client policy and once for the
// server policy. InternalEvent is the handler's own event type,
// injected into the driver's event loop from outside (e.g. an
// application call to Client.Request enqueues an InternalEvent that
// asks the driver to allocate a sequence id and emit a Request frame).
type Handler interface {
	// SendGoAway reports whether the driver should attempt a
	// best-effort GoAway frame before closing on a terminal,
	// GoAway-mapped error. The server sends GoAway; the client does
	// not (spec.md §4.5 step 4).
	SendGoAway() bool

	// MaxPayloadSize bounds every frame this handler's connection
	// will accept.
	MaxPayloadSize() uint32

	// Upgrade completes the line-based upgrade phase over conn,
	// returning a buffered reader positioned exactly after the
	// consumed upgrade bytes so framed decoding can resume from there.
	Upgrade(ctx context.Context, conn net.Conn) (*bufio.Reader, error)

	// Handshake completes the Hello/HelloAck exchange using reader
	// for input and writer for output, returning the negotiated Ready
	// value.
	Handshake(ctx context.Context, reader *bufio.Reader, writer FrameSender) (Ready, error)

	// HandleFrame dispatches a delegated frame. If the handler needs
	// to do asynchronous work (typically a server's Request), it
	// returns a non-nil complete function the driver spawns in its
	// own goroutine; the driver re-enters the loop with the result as
	// a ResponseComplete event. A nil complete function means the
	// handler has nothing further to do for this frame (e.g. a
	// client matching a Response against a waiter).
	HandleFrame(ctx context.Context, frame DelegatedFrame) (complete func() (*wire.Frame, error), err error)

	// HandleInternalEvent lets the policy emit a frame in response to
	// an externally injected event, using allocateSequenceID to obtain
	// a fresh correlation id when needed.
	HandleInternalEvent(ctx context.Context, event interface{}, allocateSequenceID func() uint32) (*wire.Frame, error)

	// OnPingReceived notifies the policy that a Ping was answered
	// with a Pong; most handlers ignore this.
	OnPingReceived()
}

// FrameSender is the minimal surface a Handler's Handshake needs to
// write Hello/HelloAck without depending on internal/frameio directly
// (avoiding an import cycle, since frameio is a thin wrapper the
// driver already owns).
type FrameSender interface {
	Send(f *wire.Frame) error
}
