package pagecache

import (
	"context"
	"testing"
	"time"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pageframe"
)

func TestFilePoolGetIsEagerlyClean(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	pc, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pc.IsDirty() {
		t.Fatalf("freshly allocated file-pool page is DIRTY, want CLEAN")
	}
	p.Put(pc)
}

func TestGetRoundsDownToPageBoundary(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	pc, err := p.Get(context.Background(), 4100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pc.Offset() != 4096 {
		t.Fatalf("Offset() = %d, want 4096", pc.Offset())
	}
	p.Put(pc)
}

func TestGetOnSameOffsetReturnsSamePageAfterPut(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	pc1, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Put(pc1)

	pc2, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pc1 != pc2 {
		t.Fatalf("Get returned a different PC for the same offset")
	}
	p.Put(pc2)
}

func TestGetBlocksOnBusyPageUntilPut(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	pc1, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	done := make(chan *PC, 1)
	go func() {
		pc, err := p.Get(context.Background(), 0)
		if err != nil {
			t.Error(err)
			return
		}
		done <- pc
	}()

	select {
	case <-done:
		t.Fatalf("second Get returned before the first page was Put")
	case <-time.After(20 * time.Millisecond):
	}

	p.Put(pc1)
	select {
	case pc2 := <-done:
		if pc2 != pc1 {
			t.Fatalf("second Get returned a different PC")
		}
		p.Put(pc2)
	case <-time.After(time.Second):
		t.Fatalf("second Get never woke up after Put")
	}
}

// TestGetContextCancelDoesNotLeakPoolLock reproduces the lock-leak fix: a
// Get that returns Interrupted because ctx was canceled while parked must
// still release p.mu, or every subsequent call on the pool hangs forever.
func TestGetContextCancelDoesNotLeakPoolLock(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	owner, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	waiting := make(chan error, 1)
	go func() {
		_, err := p.Get(ctx, 0)
		waiting <- err
	}()

	for !pageWaitersNonEmpty(owner) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-waiting:
		if err != kerrno.Interrupted {
			t.Fatalf("Get after cancel = %v, want Interrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("canceled Get never returned")
	}

	p.Put(owner)

	done := make(chan struct{})
	go func() {
		pc, err := p.Get(context.Background(), 0)
		if err != nil {
			t.Error(err)
		} else {
			p.Put(pc)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Get after a canceled waiter deadlocked: pool mutex was leaked")
	}
}

func pageWaitersNonEmpty(pc *PC) bool {
	return pc.waiters.HasWaiters()
}

func TestInvalidateRemovesPageAndWakesWaitersDestroyed(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	pc, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	woken := make(chan *PC, 1)
	go func() {
		w, err := p.Get(context.Background(), 0)
		if err != nil {
			t.Error(err)
		}
		woken <- w
	}()
	for !pageWaitersNonEmpty(pc) {
		time.Sleep(time.Millisecond)
	}

	if err := p.Invalidate(pc); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	select {
	case w := <-woken:
		if w == pc {
			t.Fatalf("waiter woken by Invalidate got the invalidated PC")
		}
		if w != nil {
			p.Put(w)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter parked on the invalidated page never woke up")
	}

	pc2, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get after Invalidate: %v", err)
	}
	if pc2 == pc {
		t.Fatalf("Get after Invalidate returned the invalidated PC")
	}
	p.Put(pc2)
}

func TestShrinkReclaimsCleanPagesNotBusyOnes(t *testing.T) {
	p := NewFilePool(pageframe.NewAllocator(4096))
	ctx := context.Background()

	pc0, _ := p.Get(ctx, 0)
	p.Put(pc0)
	pc1, _ := p.Get(ctx, 4096)
	p.Put(pc1)
	busy, err := p.Get(ctx, 8192) // left BUSY, must survive Shrink
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	reclaimed, err := p.Shrink(-1)
	if err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	if reclaimed != 2 {
		t.Fatalf("reclaimed = %d, want 2", reclaimed)
	}

	p.Put(busy)
}

func TestDeviceWriteBackRunsOnDirtyInvalidate(t *testing.T) {
	var wroteBack bool
	p := NewDevicePool(pageframe.NewAllocator(4096), 7, func(pc *PC) error {
		wroteBack = true
		return nil
	})

	pc, err := p.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pc.MarkDirty(); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	if err := p.Invalidate(pc); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if !wroteBack {
		t.Fatalf("write-back was not invoked for a DIRTY page")
	}
}
