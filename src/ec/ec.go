/// Package ec implements event counts: a monotonically increasing
/// counter threads can wait to cross a value on, without the waiter
/// and the advancer needing a rendezvous channel between them.
///
/// A reader snapshots the current value while holding whatever lock
/// protects the state the EC guards, releases that lock, then waits
/// for the value to reach snapshot+1 (or higher — an EC only ever
/// promises "at least this many advances happened", never "exactly").
/// An advancer mutates the guarded state to its final, waiter-visible
/// form and only then calls Advance, so nobody wakes before the state
/// they're waiting on is actually there.
package ec

import "sync"

/// EventCount is a condition-variable-backed counter. The zero value
/// is ready to use.
type EventCount struct {
	mu  sync.Mutex
	cv  *sync.Cond
	val uint64
}

func (e *EventCount) cond() *sync.Cond {
	if e.cv == nil {
		e.cv = sync.NewCond(&e.mu)
	}
	return e.cv
}

/// Read returns the current value. Callers that intend to wait must
/// call Read (or otherwise learn the value) before releasing the lock
/// that guards the state they're about to wait on, then call WaitFor
/// with that same value — not a value computed afterward, which could
/// already have been superseded.
func (e *EventCount) Read() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.val
}

/// Advance bumps the counter and wakes every waiter. Call it only
/// after the state waiters are blocked on has reached its final form.
func (e *EventCount) Advance() uint64 {
	e.mu.Lock()
	e.val++
	v := e.val
	e.cond().Broadcast()
	e.mu.Unlock()
	return v
}

/// WaitFor blocks until the counter is at least target. If it already
/// is, WaitFor returns immediately without blocking.
func (e *EventCount) WaitFor(target uint64) {
	e.mu.Lock()
	for e.val < target {
		e.cond().Wait()
	}
	e.mu.Unlock()
}
