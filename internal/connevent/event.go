// Package connevent implements the pure event-handling step of the
// connection driver: given the current ping/sequence state and one
// incoming Event, decide what (if anything) to write back and which
// terminal error, if any, ends the connection (spec.md §4.4). It holds
// no socket and does no I/O itself; internal/connection drives the
// select loop and calls Handle for each event it pulls off.
package connevent

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Helselia/Stryker/internal/connerr"
	"github.com/Helselia/Stryker/internal/rpchandler"
	"github.com/Helselia/Stryker/internal/wire"
)

// Kind discriminates the five event variants of spec.md §4.4.
type Kind int

const (
	KindSocketReceive Kind = iota
	KindTimerTick
	KindInternalEvent
	KindResponseComplete
	KindClose
)

// Event is the single input type fed to Handle.
type Event struct {
	Kind Kind

	// KindSocketReceive
	Frame *wire.Frame

	// KindInternalEvent
	Internal interface{}

	// KindResponseComplete
	ResponseFrame *wire.Frame
	ResponseErr   error
	ResponseSeq   uint32
}

// Outcome is what Handle decides should happen for one event: an
// optional frame to write, and an optional terminal error that ends
// the connection.
type Outcome struct {
	Outbound  *wire.Frame
	Terminate error

	// Spawn, when non-nil, is a unit of asynchronous work the driver
	// must run in its own goroutine; its result re-enters the loop as
	// a KindResponseComplete event (spec.md §4.4).
	Spawn func() (*wire.Frame, error)
}

// State holds the ping/sequence bookkeeping the pure step needs
// between calls. It is not safe for concurrent use; the driver owns
// it exclusively, which is the whole point of serializing everything
// through one event loop (spec.md §4.5).
type State struct {
	handler        rpchandler.Handler
	nextSequenceID uint32
	pingOutstanding bool
	pingSequenceID  uint32
}

// NewState constructs event-handling state for one connection.
func NewState(handler rpchandler.Handler) *State {
	return &State{handler: handler}
}

// AllocateSequenceID returns a fresh monotonic id. Wraps silently on
// overflow; spec.md §9 leaves wraparound behavior undocumented and
// this implementation does not attempt to detect or special-case it.
func (s *State) AllocateSequenceID() uint32 {
	return atomic.AddUint32(&s.nextSequenceID, 1)
}

// Handle runs one event through the pure (state, event) -> (state',
// outbound, terminate) step.
func (s *State) Handle(ctx context.Context, ev Event) Outcome {
	switch ev.Kind {
	case KindSocketReceive:
		return s.handleSocketReceive(ctx, ev.Frame)
	case KindTimerTick:
		return s.handlePingTick()
	case KindInternalEvent:
		frame, err := s.handler.HandleInternalEvent(ctx, ev.Internal, s.AllocateSequenceID)
		if err != nil {
			return Outcome{Terminate: err}
		}
		return Outcome{Outbound: frame}
	case KindResponseComplete:
		return s.handleResponseComplete(ev)
	case KindClose:
		return Outcome{Terminate: connerr.ConnectionCloseRequested()}
	default:
		return Outcome{Terminate: connerr.InternalServerError(fmt.Errorf("connevent: unknown event kind %d", ev.Kind))}
	}
}

func (s *State) handleSocketReceive(ctx context.Context, f *wire.Frame) Outcome {
	switch f.Opcode {
	case wire.OpHello, wire.OpHelloAck:
		return Outcome{Terminate: connerr.New(connerr.KindInvalidOpcode, "hello/hello-ack received outside handshake")}
	case wire.OpPing:
		s.handler.OnPingReceived()
		return Outcome{Outbound: wire.Pong(f.Flags, f.SequenceID)}
	case wire.OpPong:
		if f.SequenceID == s.pingSequenceID {
			s.pingOutstanding = false
		}
		s.handler.OnPingReceived()
		return Outcome{}
	case wire.OpGoAway:
		return Outcome{Terminate: connerr.ToldToGoAway(f.Code, f.Payload)}
	case wire.OpRequest, wire.OpResponse, wire.OpPush, wire.OpError:
		return s.delegate(ctx, f)
	default:
		return Outcome{Terminate: connerr.InvalidOpcode(uint8(f.Opcode))}
	}
}

func (s *State) delegate(ctx context.Context, f *wire.Frame) Outcome {
	kind := map[wire.Opcode]rpchandler.DelegatedKind{
		wire.OpPush:     rpchandler.DelegatedPush,
		wire.OpRequest:  rpchandler.DelegatedRequest,
		wire.OpResponse: rpchandler.DelegatedResponse,
		wire.OpError:    rpchandler.DelegatedError,
	}[f.Opcode]

	complete, err := s.handler.HandleFrame(ctx, rpchandler.DelegatedFrame{
		Kind:       kind,
		SequenceID: f.SequenceID,
		Code:       f.Code,
		Payload:    f.Payload,
	})
	if err != nil {
		return Outcome{Terminate: err}
	}
	// complete, when non-nil, is spawned by the driver — Handle itself
	// never runs asynchronous work so the single-serialization-point
	// invariant holds.
	return Outcome{Spawn: complete}
}

func (s *State) handlePingTick() Outcome {
	if s.pingOutstanding {
		return Outcome{Terminate: connerr.PingTimeout()}
	}
	s.pingSequenceID = s.AllocateSequenceID()
	s.pingOutstanding = true
	return Outcome{Outbound: wire.Ping(s.pingSequenceID)}
}

func (s *State) handleResponseComplete(ev Event) Outcome {
	if ev.ResponseErr != nil {
		return Outcome{Outbound: wire.ErrorFrame(ev.ResponseSeq, connerr.GoAwayInternalServerError, []byte(ev.ResponseErr.Error()))}
	}
	return Outcome{Outbound: ev.ResponseFrame}
}
