// Package waitqueue implements a blocking primitive for BUSY-flag
// acquisition in the storage stack: it parks the calling goroutine, drops a
// caller-held mutex while parked, and wakes callers with a reason code
// instead of a bare bool. Go's sync.Cond cannot carry a payload on wakeup,
// so this is built on one channel per waiter.
package waitqueue

import (
	"context"
	"sync"
)

// Reason is the code a waiter is woken with.
type Reason int

const (
	// Released means the previous holder finished normally (a page was
	// put back, a v-node load completed, a BIO request drained) — the
	// waiter should retry its operation.
	Released Reason = iota
	// Destroyed means the object being waited on was torn down; the
	// waiter has already lost any reference it held and must restart its
	// lookup from scratch, not just retry.
	Destroyed
	// DeliverEvent means a cancellation/event was delivered to the
	// waiting goroutine: the caller must surface kerrno.Interrupted.
	DeliverEvent
	// LockFail means the mutex the waiter was meant to reacquire is gone
	// (its owning object was destroyed concurrently); the caller must
	// surface kerrno.Interrupted. Wait still returns with held relocked, so
	// the caller releases it as for any other reason.
	LockFail
)

type waiter struct {
	ch chan Reason
}

// Locker is the lock/unlock pair Wait drops and reacquires around the
// sleep. Satisfied by *sync.Mutex and by syncutil.InvariantMutex, so a
// caller whose guard runs invariant checks on every unlock (as
// pagecache.Pool's does) gets the same checks run around a parked wait.
type Locker interface {
	Lock()
	Unlock()
}

// Queue is a FIFO wait queue with a single optional "owner" goroutine,
// used to track who currently holds the BUSY flag the queue guards.
// The zero value is ready to use.
type Queue struct {
	mu      sync.Mutex
	waiters []*waiter
	owner   any
}

// Wait enqueues the caller, unlocks held (which the caller must already
// hold), blocks until woken or ctx is done, then relocks held before
// returning. held is taken by reference the way a condition variable's
// guard is, and is always returned locked regardless of wakeup reason.
func (q *Queue) Wait(ctx context.Context, held Locker) Reason {
	w := &waiter{ch: make(chan Reason, 1)}

	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	held.Unlock()
	defer held.Lock()

	select {
	case r := <-w.ch:
		return r
	case <-ctx.Done():
		q.remove(w)
		return DeliverEvent
	}
}

func (q *Queue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, o := range q.waiters {
		if o == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Wakeup wakes exactly one waiter (FIFO) with the given reason. It is a
// no-op if nobody is waiting.
func (q *Queue) Wakeup(reason Reason) {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()
	w.ch <- reason
}

// WakeupAll wakes every waiter with the given reason, used for teardown
// (Destroyed) where every waiter must restart its lookup.
func (q *Queue) WakeupAll(reason Reason) {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range waiters {
		w.ch <- reason
	}
}

// HasWaiters reports whether any goroutine is currently parked.
func (q *Queue) HasWaiters() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters) > 0
}

// OwnerSet records the current owner of the resource this queue guards
// (e.g. the goroutine that acquired BUSY). Returns false if an owner is
// already set.
func (q *Queue) OwnerSet(owner any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.owner != nil {
		return false
	}
	q.owner = owner
	return true
}

// OwnerGet returns the current owner, or nil if none is set.
func (q *Queue) OwnerGet() any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.owner
}

// OwnerUnset clears the current owner.
func (q *Queue) OwnerUnset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.owner = nil
}
