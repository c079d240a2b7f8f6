package pagecache

import (
	"container/list"
	"context"
	"log"

	"github.com/jacobsa/syncutil"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pageframe"
	"github.com/yatos-project/yatos/refcount"
	"github.com/yatos-project/yatos/waitqueue"
)

// poolState is the pool's lifecycle state.
type poolState int

const (
	PoolDormant poolState = iota
	PoolCreated
	PoolDeleted
)

// WriteBackFunc writes a dirty page back to its backing device. Device pools
// install one; file pools leave it nil (a file pool's pages are never
// written back through the block layer — that is the owning file system's
// own concern once it has read the bytes out via ReferData).
type WriteBackFunc func(pc *PC) error

// Pool is a page-cache pool: the container holding every cached page for
// one backing object. It is keyed by either a device id (device pool) or an
// opaque owner key (file pool, keyed by the owning v-node in package vfs).
type Pool struct {
	pageSize  int
	allocator *pageframe.Allocator
	isDevice  bool
	devID     uint64
	writeBack WriteBackFunc

	mu       syncutil.InvariantMutex
	state    poolState
	refs     *refcount.Counter
	pages    map[int64]*PC
	cleanLRU *list.List
	dirtyLRU *list.List
}

// checkInvariants verifies the structural invariants this pool must
// maintain at every lock/unlock boundary (syncutil.InvariantMutex runs it automatically
// in invariant-checking builds, see syncutil.EnableInvariantChecking).
// Caller holds p.mu.
func (p *Pool) checkInvariants() {
	for off, pc := range p.pages {
		if pc.offset != off {
			panic("pagecache: map key does not match PC offset")
		}
		pc.mu.Lock()
		flags := pc.flags
		pc.mu.Unlock()
		busy := flags&stateBusy != 0
		onLRU := pc.lruElem != nil
		if busy && onLRU {
			panic("pagecache: BUSY page linked into an LRU")
		}
		if !busy && flags.valid() && !onLRU {
			panic("pagecache: VALID non-BUSY page not linked into any LRU")
		}
	}
}

// NewDevicePool creates a pool backed by a block device; rw is the
// write-back strategy used to flush DIRTY pages during shrink/invalidate.
func NewDevicePool(allocator *pageframe.Allocator, devID uint64, rw WriteBackFunc) *Pool {
	p := newPool(allocator)
	p.isDevice = true
	p.devID = devID
	p.writeBack = rw
	return p
}

// NewFilePool creates a pool backing one v-node's cached file contents.
func NewFilePool(allocator *pageframe.Allocator) *Pool {
	return newPool(allocator)
}

func newPool(allocator *pageframe.Allocator) *Pool {
	p := &Pool{
		pageSize:  allocator.PageSize(),
		allocator: allocator,
		state:     PoolCreated,
		refs:      refcount.New(),
		pages:     make(map[int64]*PC),
		cleanLRU:  list.New(),
		dirtyLRU:  list.New(),
	}
	p.mu = syncutil.NewInvariantMutex(p.checkInvariants)
	return p
}

// PageSize returns the pool's fixed page size.
func (p *Pool) PageSize() int { return p.pageSize }

// DevID returns the backing device id, if this is a device pool.
func (p *Pool) DevID() (uint64, bool) {
	return p.devID, p.isDevice
}

// refInc/dropSelfRef implement the pool side of the strong PC<->Pool
// back-reference: each linked page counts as one reference on its pool.
func (p *Pool) refInc() bool { return p.refs.IncIfValid() }

func (p *Pool) dropSelfRef() {
	p.refs.DecAndTest()
}

func roundDown(offset int64, pageSize int) int64 {
	ps := int64(pageSize)
	if offset >= 0 {
		return offset - offset%ps
	}
	// Negative offsets are not a legal byte offset in this model, but keep
	// rounding well-defined rather than panicking.
	return -(((-offset) + ps - 1) / ps) * ps
}

// Get rounds offset down to the page size, finds or allocates the page
// caching it, acquires BUSY, and returns with BUSY held and a caller
// reference taken.
func (p *Pool) Get(ctx context.Context, offset int64) (*PC, error) {
	offset = roundDown(offset, p.pageSize)

	p.mu.Lock()
	for {
		if p.state == PoolDeleted {
			p.mu.Unlock()
			return nil, kerrno.Released
		}

		pc, ok := p.pages[offset]
		if !ok {
			pc = &PC{pool: p, offset: offset, refs: refcount.New()}
			frame := p.allocator.Alloc(pageTag(p.isDevice))
			pc.frame = frame
			pc.flags = stateBusy
			if !p.isDevice {
				// File pools have no backing device to fault from, so a
				// fresh page is eagerly CLEAN rather than INVALID.
				pc.flags |= stateClean
			}
			pc.waiters.OwnerSet(pc)
			pc.refs.IncIfValid() // caller's reference, on top of the map's
			p.refs.IncIfValid() // the PC's counted back-reference on its pool
			p.pages[offset] = pc
			p.mu.Unlock()
			return pc, nil
		}

		pc.mu.Lock()
		if pc.flags&stateBusy == 0 {
			if !pc.refInc() {
				// Lost a race with teardown; the entry is stale, drop it
				// and retry the lookup fresh.
				pc.mu.Unlock()
				delete(p.pages, offset)
				continue
			}
			pc.flags |= stateBusy
			pc.mu.Unlock()
			p.unlinkLRU(pc)
			pc.waiters.OwnerSet(pc)
			p.mu.Unlock()
			return pc, nil
		}
		pc.mu.Unlock()

		reason := pc.waiters.Wait(ctx, &p.mu)
		switch reason {
		case waitqueue.Released, waitqueue.Destroyed:
			// Re-examine the map: either the prior owner put it back
			// (Released) or it is gone and must be re-allocated
			// (Destroyed) — both are handled by looping.
			continue
		case waitqueue.DeliverEvent, waitqueue.LockFail:
			p.mu.Unlock()
			return nil, kerrno.Interrupted
		}
	}
}

// Put reverses Get: clear BUSY, wake one waiter with
// Released, append to the LRU matching the page's CLEAN/DIRTY state, drop
// the caller's reference.
func (p *Pool) Put(pc *PC) {
	p.mu.Lock()
	pc.mu.Lock()
	pc.flags &^= stateBusy
	dirty := pc.flags&stateDirty != 0
	pc.mu.Unlock()
	pc.waiters.OwnerUnset()

	if dirty {
		pc.lruList = p.dirtyLRU
	} else {
		pc.lruList = p.cleanLRU
	}
	pc.lruElem = pc.lruList.PushBack(pc)
	p.mu.Unlock()

	pc.waiters.Wakeup(waitqueue.Released)
	pc.refDec()
}

// unlinkLRU removes pc from whichever LRU it is on, if any. Caller holds
// p.mu.
func (p *Pool) unlinkLRU(pc *PC) {
	if pc.lruElem == nil {
		return
	}
	pc.lruList.Remove(pc.lruElem)
	pc.lruElem = nil
	pc.lruList = nil
}

// Invalidate requires BUSY,
// writes back if DIRTY, removes from the map and LRU, drops the map's
// reference. Any other goroutine parked on pc.waiters is woken with
// Destroyed so it restarts its lookup rather than retrying a stale PC.
//
// Invalidate is terminal: it consumes both the map's permanent reference
// and the caller's own BUSY-acquisition reference (the one Get handed back,
// or the one Shrink's eviction walk took directly). A page that has been
// invalidated is never Put — there is nothing left to put back.
func (p *Pool) Invalidate(pc *PC) error {
	p.mu.Lock()
	pc.mu.Lock()
	busy := pc.flags&stateBusy != 0
	dirty := pc.flags&stateDirty != 0
	pc.mu.Unlock()
	if !busy {
		p.mu.Unlock()
		return kerrno.Invalid
	}

	if dirty && p.writeBack != nil {
		if err := p.writeBack(pc); err != nil {
			log.Printf("pagecache: write-back failed for pool dev=%d off=%d: %v; evicting anyway", p.devID, pc.offset, err)
		}
	}

	delete(p.pages, pc.offset)
	p.unlinkLRU(pc)
	p.mu.Unlock()

	pc.waiters.OwnerUnset()
	pc.waiters.WakeupAll(waitqueue.Destroyed)

	pc.refDec() // the map's permanent reference
	pc.refDec() // the caller's BUSY-acquisition reference
	return nil
}

// Shrink reclaims cached pages: walk clean-LRU first,
// then dirty-LRU (writing back before eviction), reclaiming up to n pages
// (n<0 means "try all"). Returns the count reclaimed; if any candidate
// could not be reclaimed because another goroutine raced to BUSY it first,
// reclamation continues past it but the final error is EBUSY.
func (p *Pool) Shrink(n int) (reclaimed int, err error) {
	raced := false

	walk := func(lru *list.List) {
		p.mu.Lock()
		e := lru.Front()
		for e != nil {
			if n >= 0 && reclaimed >= n {
				break
			}
			pc := e.Value.(*PC)
			next := e.Next()

			pc.mu.Lock()
			if pc.flags&stateBusy != 0 || !pc.refInc() {
				pc.mu.Unlock()
				raced = true
				e = next
				continue
			}
			pc.flags |= stateBusy
			pc.mu.Unlock()
			p.unlinkLRU(pc)
			p.mu.Unlock()

			if ierr := p.Invalidate(pc); ierr != nil {
				// Invalidate failed before consuming our reference
				// (it only returns an error before touching refcounts,
				// when the BUSY precondition somehow no longer holds);
				// drop the reference we took above ourselves.
				pc.refDec()
				raced = true
			} else {
				reclaimed++
			}

			p.mu.Lock()
			e = next
		}
		p.mu.Unlock()
	}

	walk(p.cleanLRU)
	if n < 0 || reclaimed < n {
		walk(p.dirtyLRU)
	}

	if raced {
		return reclaimed, kerrno.Busy
	}
	return reclaimed, nil
}

func pageTag(isDevice bool) pageframe.Tag {
	if isDevice {
		return pageframe.TagDevicePage
	}
	return pageframe.TagFilePage
}
