package vfs

import (
	"context"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pagecache"
	"github.com/yatos-project/yatos/pageframe"
	"github.com/yatos-project/yatos/refcount"
	"github.com/yatos-project/yatos/waitqueue"
)

// vnFlags is the VALID/BUSY/DIRTY/DELETE bitset.
type vnFlags uint32

const (
	vnBusy vnFlags = 1 << iota
	vnValid
	vnDirty
	vnDelete
)

// VNode is one cached v-node: the in-memory representation of one file
// system object, with physical-FS state behind fsVnode.
type VNode struct {
	mount *Mount
	id    uint64

	refs    *refcount.Counter
	waiters waitqueue.Queue

	// guarded by mount.mu: v-node fields are protected by the owning
	// mount's mutex rather than a per-v-node lock.
	flags   vnFlags
	mode    FileMode
	fsVnode any

	filePool *pageframeAllocatorHolder // lazily created, see FilePool
}

// pageframeAllocatorHolder defers file-pool creation until first use,
// since not every v-node (directories, devices) needs one.
type pageframeAllocatorHolder struct {
	allocator *pageframe.Allocator
	pool      *pagecache.Pool
}

// ID returns the v-node's id within its mount.
func (v *VNode) ID() uint64 { return v.id }

// Mount returns the owning mount.
func (v *VNode) Mount() *Mount { return v.mount }

// Mode returns the v-node's file-type/permission bits.
func (v *VNode) Mode() FileMode {
	v.mount.mu.Lock()
	defer v.mount.mu.Unlock()
	return v.mode
}

// FSVnode returns the fs-private v-node data GetVnode loaded.
func (v *VNode) FSVnode() any {
	v.mount.mu.Lock()
	defer v.mount.mu.Unlock()
	return v.fsVnode
}

// IsDeleted reports whether the DELETE flag is set.
func (v *VNode) IsDeleted() bool {
	v.mount.mu.Lock()
	defer v.mount.mu.Unlock()
	return v.flags&vnDelete != 0
}

// MarkDelete sets the DELETE flag, dispatching RemoveVnode instead of
// PutVnode on the final reference drop.
func (v *VNode) MarkDelete() {
	v.mount.mu.Lock()
	v.flags |= vnDelete
	v.mount.mu.Unlock()
}

// MarkDirty sets the DIRTY flag (fs-metadata dirty, distinct from any page
// in the v-node's own file pool being DIRTY).
func (v *VNode) MarkDirty() {
	v.mount.mu.Lock()
	v.flags |= vnDirty
	v.mount.mu.Unlock()
}

// FilePool returns this v-node's backing page-cache pool, creating it on
// first use with the given allocator. Only meaningful for regular-file v-nodes; callers are
// responsible for not calling this on directories/devices.
func (v *VNode) FilePool(allocator *pageframe.Allocator) *pagecache.Pool {
	v.mount.mu.Lock()
	defer v.mount.mu.Unlock()
	if v.filePool == nil {
		v.filePool = &pageframeAllocatorHolder{allocator: allocator, pool: pagecache.NewFilePool(allocator)}
	}
	return v.filePool.pool
}

// findVnode resolves vnid within one mount's v-node cache:
// look up vnid under mount.mu; if present and not BUSY return it; if
// present and BUSY wait (dropping mount.mu) until RELEASED/DESTROYED and
// restart; if absent allocate a BUSY, not-VALID placeholder, insert it,
// call fs_getvnode outside the lock, then mark VALID and wake waiters.
func findVnode(ctx context.Context, mount *Mount, vnid uint64) (*VNode, error) {
	mount.mu.Lock()
	for {
		v, ok := mount.vnodes[vnid]
		if !ok {
			if mount.flags&mntUnmounting != 0 {
				mount.mu.Unlock()
				return nil, kerrno.Busy
			}
			v = &VNode{mount: mount, id: vnid, refs: refcount.New(), flags: vnBusy}
			mount.vnodes[vnid] = v
			mount.refInc() // v-node's strong back-pointer to its mount
			mount.mu.Unlock()

			mode, fsVnode, err := mount.fs.calls.GetVnode(ctx, mount.super, vnid)

			mount.mu.Lock()
			if err != nil || fsVnode == nil {
				delete(mount.vnodes, vnid)
				mount.mu.Unlock()
				v.waiters.WakeupAll(waitqueue.Destroyed)
				mount.refDec()
				return nil, kerrno.NotFound
			}
			v.mode = mode
			v.fsVnode = fsVnode
			v.flags = (v.flags &^ vnBusy) | vnValid
			mount.mu.Unlock()
			v.waiters.WakeupAll(waitqueue.Released)
			return v, nil
		}

		if v.flags&vnBusy == 0 {
			if !v.refs.IncIfValid() {
				delete(mount.vnodes, vnid)
				continue
			}
			mount.mu.Unlock()
			return v, nil
		}

		reason := v.waiters.Wait(ctx, &mount.mu)
		switch reason {
		case waitqueue.Released, waitqueue.Destroyed:
			continue
		case waitqueue.DeliverEvent, waitqueue.LockFail:
			mount.mu.Unlock()
			return nil, kerrno.Interrupted
		}
	}
}

// Ref duplicates a reference the caller already holds, used e.g. by ioctx
// cloning when a child context shares its parent's root/cwd v-node.
func (v *VNode) Ref() bool { return v.refs.IncIfValid() }

// GetVnode resolves (mount-id, vnid) to a v-node: take a
// reference on the mount, resolve vnid under it via findVnode, take the
// caller's reference on the resulting v-node, release the mount reference.
func GetVnode(ctx context.Context, registry *Registry, mntID, vnid uint64) (*VNode, error) {
	mount, err := registry.GetMount(mntID)
	if err != nil {
		return nil, kerrno.Invalid
	}
	defer registry.PutMount(mount)

	return findVnode(ctx, mount, vnid)
}

// refDec drops the caller's reference; on the last drop it removes the
// v-node from its mount's map and dispatches RemoveVnode (if DELETE is
// set and the fs supports it) or PutVnode.
func (v *VNode) refDec() {
	mount := v.mount
	if !v.refs.DecAndLock(&mount.mu) {
		return
	}
	delete(mount.vnodes, v.id)
	deleted := v.flags&vnDelete != 0
	fsVnode := v.fsVnode
	mount.mu.Unlock()

	v.waiters.WakeupAll(waitqueue.Destroyed)

	ctx := context.Background()
	if deleted && mount.fs.calls.RemoveVnode != nil {
		mount.fs.calls.RemoveVnode(ctx, mount.super, fsVnode)
	} else {
		mount.fs.calls.PutVnode(ctx, mount.super, fsVnode)
	}
	mount.refDec()
}

// destroy drops one reference on a v-node during mount teardown, where no
// ordinary caller is expected to hold a reference any more; the v-node is
// torn down only if that was its last reference.
func (v *VNode) destroy() {
	v.refDec()
}

// PutVnode drops a reference taken by GetVnode.
func PutVnode(v *VNode) {
	v.refDec()
}

// Lock acquires exclusive BUSY ownership of the v-node for a metadata
// update (distinct from the reference count), waiting on v.waiters when
// another holder is already BUSY.
func (v *VNode) Lock(ctx context.Context) error {
	mount := v.mount
	mount.mu.Lock()
	for {
		if v.flags&vnBusy == 0 {
			v.flags |= vnBusy
			mount.mu.Unlock()
			return nil
		}
		reason := v.waiters.Wait(ctx, &mount.mu)
		if reason == waitqueue.Destroyed {
			mount.mu.Unlock()
			return kerrno.NotFound
		}
		if reason == waitqueue.DeliverEvent || reason == waitqueue.LockFail {
			mount.mu.Unlock()
			return kerrno.Interrupted
		}
	}
}

// Unlock releases BUSY ownership taken by Lock.
func (v *VNode) Unlock() {
	mount := v.mount
	mount.mu.Lock()
	v.flags &^= vnBusy
	mount.mu.Unlock()
	v.waiters.Wakeup(waitqueue.Released)
}
