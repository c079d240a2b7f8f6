// Package pagecache implements the page cache: one cached page (PC) of a
// device's or file's contents, and the per-device/per-vnode pool (Pool)
// that owns a set of them with dual clean/dirty LRU lists, busy-waiting,
// reclamation and invalidation.
package pagecache

import (
	"container/list"
	"sync"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pageframe"
	"github.com/yatos-project/yatos/refcount"
	"github.com/yatos-project/yatos/waitqueue"
)

// state is a page's CLEAN/DIRTY/BUSY bitset. VALID is tracked implicitly:
// a page is valid iff it carries CLEAN or DIRTY.
type state uint8

const (
	stateClean state = 1 << iota
	stateDirty
	stateBusy
)

func (s state) valid() bool { return s&(stateClean|stateDirty) != 0 }

// Attachment lets a higher layer (blockbuf) hang sub-page structures off a
// PC without pagecache importing that layer. Unmap is invoked once, from
// the PC's final reference drop, in the order Attach was called.
type Attachment interface {
	Unmap()
}

// PC is one cached page.
type PC struct {
	pool   *Pool
	offset int64

	refs *refcount.Counter

	// mu guards flags, frame and attachments. lruElem/lruList are guarded
	// by the owning pool's mutex instead, since only the pool links and
	// unlinks pages.
	mu          sync.Mutex
	flags       state
	frame       *pageframe.Frame
	attachments []Attachment
	waiters     waitqueue.Queue
	lruElem     *list.Element // nil iff not linked into either LRU
	lruList     *list.List    // the LRU lruElem lives on, nil iff lruElem is
}

// Offset returns the page-aligned byte offset this PC caches.
func (pc *PC) Offset() int64 { return pc.offset }

// Pool returns the owning pool.
func (pc *PC) Pool() *Pool { return pc.pool }

// IsBusy reports whether the page is currently held by an owner thread.
// Debug/test use only.
func (pc *PC) IsBusy() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.flags&stateBusy != 0
}

// IsDirty reports the current CLEAN/DIRTY bit.
func (pc *PC) IsDirty() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.flags&stateDirty != 0
}

// ReferData returns the kernel pointer (here, a Go byte slice) into the
// page's data. Requires only a valid caller reference, not BUSY — callers
// that need exclusivity must hold BUSY themselves via Pool.Get.
func (pc *PC) ReferData() []byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.frame == nil {
		return nil
	}
	return pc.frame.Data
}

// DevIDGet returns the device id of the owning pool, or ok=false for a file
// pool.
func (pc *PC) DevIDGet() (devID uint64, ok bool) {
	return pc.pool.DevID()
}

// PageSizeGet returns the owning pool's page size.
func (pc *PC) PageSizeGet() int {
	return pc.pool.PageSize()
}

// MarkDirty clears CLEAN and sets DIRTY. Requires BUSY.
func (pc *PC) MarkDirty() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.flags&stateBusy == 0 {
		return kerrno.Invalid
	}
	pc.flags = (pc.flags &^ stateClean) | stateDirty
	return nil
}

// MarkClean clears DIRTY and sets CLEAN. Requires BUSY. A write-back must
// already have happened; MarkClean itself does not perform I/O.
func (pc *PC) MarkClean() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.flags&stateBusy == 0 {
		return kerrno.Invalid
	}
	pc.flags = (pc.flags &^ stateDirty) | stateClean
	return nil
}

// Attach adds a block-buffer (or other) attachment to be torn down when
// this PC is finally freed. Requires BUSY, since the attachment list is
// mutated while the page is being populated under the caller's ownership.
func (pc *PC) Attach(a Attachment) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.attachments = append(pc.attachments, a)
}

// Attachments returns the current attachment list, in attach order.
func (pc *PC) Attachments() []Attachment {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]Attachment, len(pc.attachments))
	copy(out, pc.attachments)
	return out
}

// refInc takes an extra reference, failing if the PC is already being torn
// down.
func (pc *PC) refInc() bool {
	return pc.refs.IncIfValid()
}

// refDec drops a reference. On the last drop it frees the page frame,
// unmaps every attachment, wakes any remaining waiters with Destroyed, and
// drops the PC's reference on its owning pool.
func (pc *PC) refDec() {
	if !pc.refs.DecAndTest() {
		return
	}

	pc.mu.Lock()
	frame := pc.frame
	pc.frame = nil
	attachments := pc.attachments
	pc.attachments = nil
	pc.mu.Unlock()

	for _, a := range attachments {
		a.Unmap()
	}
	if frame != nil {
		pc.pool.allocator.Free(frame)
	}
	pc.waiters.WakeupAll(waitqueue.Destroyed)
	pc.pool.dropSelfRef()
}
