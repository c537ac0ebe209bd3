package rpcclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Helselia/Stryker/internal/wire"
)

// responseWaiter is the Go analogue of toku_client's ResponseWaiter: a
// one-shot channel a caller blocks on, paired with a sequence id so the
// client's internal event loop can deliver exactly one reply (success
// or failure) to exactly one waiter.
type responseWaiter struct {
	resultCh chan waiterResult
	once     sync.Once
	seq      atomic.Uint32
	table    *waiterTable
}

type waiterResult struct {
	payload []byte
	err     error
}

// newResponseWaiter constructs a waiter bound to table. The sequence
// id isn't known yet — it's assigned by the driver loop once the
// Request frame is actually emitted — so seq starts at zero, a value
// no real request ever uses (sequence ids are allocated starting at
// 1), making an early cancellation's forget(0) call a harmless no-op.
func newResponseWaiter(table *waiterTable) *responseWaiter {
	return &responseWaiter{resultCh: make(chan waiterResult, 1), table: table}
}

// notify delivers a result to the waiter. Safe to call at most
// meaningfully once; later calls are dropped, matching the original's
// "waiter already consumed" behavior.
func (w *responseWaiter) notify(payload []byte, err error) {
	w.once.Do(func() {
		w.resultCh <- waiterResult{payload: payload, err: err}
	})
}

// wait blocks until notify is called or ctx is canceled. On
// cancellation it deregisters itself from the table (if already
// registered) so a reply arriving after the caller gave up does not
// leak into the table forever.
func (w *responseWaiter) wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-w.resultCh:
		return r.payload, r.err
	case <-ctx.Done():
		w.table.forget(w.seq.Load())
		return nil, ctx.Err()
	}
}

// waiterTable tracks outstanding request waiters keyed by sequence id.
type waiterTable struct {
	mu      sync.Mutex
	waiters map[uint32]*responseWaiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{waiters: make(map[uint32]*responseWaiter)}
}

// put registers an already-constructed waiter under seq. The caller
// constructs the waiter before the sequence id is even known (see
// handler.HandleInternalEvent), so registration and frame emission
// happen atomically inside the driver's single event-loop step —
// there is no window where a fast reply could arrive before its
// waiter exists.
func (t *waiterTable) put(seq uint32, w *responseWaiter) {
	w.seq.Store(seq)
	t.mu.Lock()
	t.waiters[seq] = w
	t.mu.Unlock()
}

func (t *waiterTable) complete(seq uint32, f *wire.Frame) bool {
	t.mu.Lock()
	w, ok := t.waiters[seq]
	if ok {
		delete(t.waiters, seq)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if f.Opcode == wire.OpError {
		w.notify(nil, remoteError{code: f.Code, message: string(f.Payload)})
	} else {
		w.notify(f.Payload, nil)
	}
	return true
}

// failAll notifies every outstanding waiter with err, used when the
// connection closes with requests still in flight.
func (t *waiterTable) failAll(err error) {
	t.mu.Lock()
	waiting := t.waiters
	t.waiters = make(map[uint32]*responseWaiter)
	t.mu.Unlock()
	for _, w := range waiting {
		w.notify(nil, err)
	}
}

func (t *waiterTable) forget(seq uint32) {
	t.mu.Lock()
	delete(t.waiters, seq)
	t.mu.Unlock()
}

// remoteError wraps an Error frame's code and diagnostic payload
// returned by the peer in response to a Request.
type remoteError struct {
	code    uint16
	message string
}

func (e remoteError) Error() string {
	return fmt.Sprintf("rpcclient: remote error (code=%d): %s", e.code, e.message)
}
