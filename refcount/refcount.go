// Package refcount implements the atomic reference counter every owned
// object in the storage stack (page, pool, device, v-node, mount, file
// descriptor) is built on.
package refcount

import "sync/atomic"

// Counter is an atomic reference count that starts "valid" with count 1.
// Once it reaches zero it is permanently dead: further IncIfValid calls
// fail, so a late borrower cannot resurrect an object already in teardown.
type Counter struct {
	n int64
}

// New returns a Counter initialized to 1, the allocating caller's own
// reference.
func New() *Counter {
	return &Counter{n: 1}
}

// Read returns the current count. For diagnostics only; never branch
// production logic on a racy read of Read().
func (c *Counter) Read() int64 {
	return atomic.LoadInt64(&c.n)
}

// IncIfValid increments the count and returns true, unless the count has
// already reached zero, in which case it returns false without mutating
// anything.
func (c *Counter) IncIfValid() bool {
	for {
		n := atomic.LoadInt64(&c.n)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.n, n, n+1) {
			return true
		}
	}
}

// DecAndTest decrements the count and reports whether this was the last
// reference (the count transitioned to zero). Safe to call concurrently
// from racing droppers; the zero transition is observed by exactly one
// caller.
func (c *Counter) DecAndTest() bool {
	n := atomic.AddInt64(&c.n, -1)
	if n < 0 {
		panic("refcount: DecAndTest on an already-zero counter")
	}
	return n == 0
}

// Locker is the subset of sync.Mutex that DecAndLock needs; satisfied by
// *sync.Mutex.
type Locker interface {
	Lock()
	Unlock()
}

// DecAndLock decrements the count; if that was the last reference, it
// acquires lock before returning and reports true, so the caller can run
// its teardown critical section already holding the serializing lock.
//
// The lock is acquired unconditionally before the final decrement so that a
// concurrent IncIfValid cannot observe a count of zero and fail while the
// "last" dropper has not yet taken the lock.
func (c *Counter) DecAndLock(lock Locker) bool {
	lock.Lock()
	if c.DecAndTest() {
		return true
	}
	lock.Unlock()
	return false
}

// DecAndLockIfSole acquires lock, then atomically drops the caller's
// reference only if it is currently the sole outstanding one (count == 1):
// on success the count reaches zero, lock is left held for the caller's
// teardown section, and DecAndLockIfSole returns true. If any other
// reference is outstanding (count > 1), the counter is left untouched,
// lock is released, and it returns false — unlike DecAndLock, which always
// consumes the caller's reference. This is the building block for a
// synchronous "fail busy rather than schedule teardown" unmount/close path,
// where a caller must be able to retry after other referents release their
// own reference without having already spent its own.
func (c *Counter) DecAndLockIfSole(lock Locker) bool {
	lock.Lock()
	if atomic.CompareAndSwapInt64(&c.n, 1, 0) {
		return true
	}
	lock.Unlock()
	return false
}
