package waitqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWaitUnlocksWhileParkedAndRelocksOnWake(t *testing.T) {
	var q Queue
	var mu sync.Mutex
	mu.Lock()

	done := make(chan Reason, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		done <- q.Wait(context.Background(), &mu)
	}()

	<-started
	// Wait must have dropped mu for the waiter to be parked; if it hadn't,
	// this second lock attempt would deadlock against the goroutine above.
	for !q.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	mu.Unlock()

	q.Wakeup(Released)
	if got := <-done; got != Released {
		t.Fatalf("Wait() = %v, want Released", got)
	}

	// Wait relocks mu before returning, regardless of reason; if it hadn't,
	// the goroutine below would find mu already unlocked and its Lock would
	// succeed "for free" rather than blocking on a still-held lock we must
	// release.
	unlocked := make(chan struct{})
	go func() {
		mu.Lock()
		close(unlocked)
		mu.Unlock()
	}()
	select {
	case <-unlocked:
		t.Fatalf("mu was not held after Wait returned")
	case <-time.After(20 * time.Millisecond):
	}
	mu.Unlock()
	<-unlocked
}

func TestWaitDeliverEventOnContextCancel(t *testing.T) {
	var q Queue
	var mu sync.Mutex
	mu.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Reason, 1)
	go func() { done <- q.Wait(ctx, &mu) }()

	for !q.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if got := <-done; got != DeliverEvent {
		t.Fatalf("Wait() after cancel = %v, want DeliverEvent", got)
	}
	// relocked by Wait
	mu.Unlock()
}

func TestWakeupAllWakesEveryWaiter(t *testing.T) {
	var q Queue
	const n = 8
	var mu [n]sync.Mutex
	results := make(chan Reason, n)
	for i := range mu {
		mu[i].Lock()
		go func(i int) { results <- q.Wait(context.Background(), &mu[i]) }(i)
	}
	for {
		q.mu.Lock()
		count := len(q.waiters)
		q.mu.Unlock()
		if count == n {
			break
		}
		time.Sleep(time.Millisecond)
	}

	q.WakeupAll(Destroyed)
	for i := 0; i < n; i++ {
		if got := <-results; got != Destroyed {
			t.Fatalf("Wait() = %v, want Destroyed", got)
		}
	}
}

func TestWakeupIsNoOpWithNoWaiters(t *testing.T) {
	var q Queue
	q.Wakeup(Released) // must not block or panic
}

func TestOwnerSetRejectsDoubleOwnership(t *testing.T) {
	var q Queue
	if !q.OwnerSet("a") {
		t.Fatalf("first OwnerSet = false, want true")
	}
	if q.OwnerSet("b") {
		t.Fatalf("second OwnerSet = true, want false (owner already set)")
	}
	if got := q.OwnerGet(); got != "a" {
		t.Fatalf("OwnerGet() = %v, want %q", got, "a")
	}
	q.OwnerUnset()
	if q.OwnerGet() != nil {
		t.Fatalf("OwnerGet() after OwnerUnset = %v, want nil", q.OwnerGet())
	}
}
