// Package ioctx implements the per-process file-descriptor table and I/O
// context: FD allocation/lookup/release through a bitmap-backed array, and
// fork-style cloning that shares root/cwd and copies non-close-on-exec
// FDs.
package ioctx

import (
	"context"
	"math/bits"
	"sync"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/refcount"
	"github.com/yatos-project/yatos/vfs"
)

// OpenFlags mirrors the omode argument to fd_alloc/fs_open.
type OpenFlags uint32

const (
	ORdOnly OpenFlags = 0
	OWrOnly OpenFlags = 1 << (iota - 1)
	ORdWr
	OCloExec
	OCreate
	OTrunc
	OAppend
)

// fdFlags is the per-FD flag bitset.
type fdFlags uint32

const (
	fdCloseOnExec fdFlags = 1 << iota
)

// DefaultFDTableSize and MaxFDTableSize bound a context's FD table.
const (
	DefaultFDTableSize = 128
	MaxFDTableSize     = 4096
)

// FD is one open-file record. A single FD may be shared across fd numbers
// (dup) and across cloned contexts; the table slots hold counted
// references to it.
type FD struct {
	vn      *vfs.VNode
	pos     int64
	refs    *refcount.Counter
	flags   fdFlags
	private any
}

// Vnode returns the v-node this FD refers to.
func (f *FD) Vnode() *vfs.VNode { return f.vn }

// Pos returns the current file position.
func (f *FD) Pos() int64 { return f.pos }

// SetPos updates the current file position, e.g. after Seek.
func (f *FD) SetPos(pos int64) { f.pos = pos }

// Private returns the fs-private per-open cookie Open returned.
func (f *FD) Private() any { return f.private }

func (f *FD) refInc() bool { return f.refs.IncIfValid() }

// free dispatches fs_close and fs_release_fd and drops the FD's own
// reference on its v-node.
func (f *FD) free() {
	ctx := context.Background()
	vfs.Close(ctx, f.vn, f.private)
	vfs.ReleaseFD(ctx, f.vn, f.private)
	vfs.PutVnode(f.vn)
}

// Ioctx is a per-process I/O context: the FD table plus the process's
// root and current-directory v-nodes. Bit i of bitmap is set iff fds[i] is
// non-nil.
type Ioctx struct {
	mu      sync.Mutex
	tblSize int
	bitmap  []uint32
	fds     []*FD
	root    *vfs.VNode
	cwd     *vfs.VNode
}

// ffc finds the lowest-index clear bit across ioc.bitmap, scanning one
// 32-bit word at a time and then individual bits, returning -1 if the
// table is full.
func (ioc *Ioctx) ffc() int {
	for w, word := range ioc.bitmap {
		if word == ^uint32(0) {
			continue
		}
		bit := bits.TrailingZeros32(^word)
		idx := w*32 + bit
		if idx >= ioc.tblSize {
			return -1
		}
		return idx
	}
	return -1
}

func (ioc *Ioctx) bitSet(i int) { ioc.bitmap[i/32] |= 1 << uint(i%32) }
func (ioc *Ioctx) bitClr(i int) { ioc.bitmap[i/32] &^= 1 << uint(i%32) }

// addFDLocked installs f into the first free slot. Caller holds ioc.mu.
func (ioc *Ioctx) addFDLocked(f *FD) (int, error) {
	i := ioc.ffc()
	if i < 0 {
		return 0, kerrno.NoSpace
	}
	ioc.bitSet(i)
	ioc.fds[i] = f
	return i, nil
}

// delFDLocked removes the FD at fd from the table and drops the context's
// own reference on it.
func (ioc *Ioctx) delFDLocked(fd int) error {
	if fd < 0 || fd >= ioc.tblSize || ioc.fds[fd] == nil {
		return kerrno.BadFd
	}
	f := ioc.fds[fd]
	ioc.bitClr(fd)
	ioc.fds[fd] = nil

	if f.refs.DecAndTest() {
		f.free()
	}
	return nil
}

// New allocates an I/O context. If
// parent is nil, root and cwd are initialised from the registry's system
// root v-node; otherwise the child inherits parent's table size, shares
// parent's root/cwd (ref bumped), and copies every FD whose close-on-exec
// flag is clear (ref bumped).
func New(ctx context.Context, registry *vfs.Registry, parent *Ioctx) (*Ioctx, error) {
	tblSize := DefaultFDTableSize
	if parent != nil {
		parent.mu.Lock()
		tblSize = parent.tblSize
	}

	ioc := &Ioctx{
		tblSize: tblSize,
		bitmap:  make([]uint32, (tblSize+31)/32),
		fds:     make([]*FD, tblSize),
	}

	if parent != nil {
		ioc.root = parent.root
		ioc.cwd = parent.cwd
		ioc.root.Ref()
		ioc.cwd.Ref()

		for i, f := range parent.fds {
			if f == nil || f.flags&fdCloseOnExec != 0 {
				continue
			}
			f.refInc()
			ioc.fds[i] = f
			ioc.bitSet(i)
		}
		parent.mu.Unlock()
		return ioc, nil
	}

	root, err := registry.SystemRootVnode(ctx)
	if err != nil {
		return nil, kerrno.NoDevice
	}
	root.Ref()
	ioc.root = root
	ioc.cwd = root
	return ioc, nil
}

// Root returns the context's root directory v-node.
func (ioc *Ioctx) Root() *vfs.VNode {
	ioc.mu.Lock()
	defer ioc.mu.Unlock()
	return ioc.root
}

// Cwd returns the context's current-directory v-node.
func (ioc *Ioctx) Cwd() *vfs.VNode {
	ioc.mu.Lock()
	defer ioc.mu.Unlock()
	return ioc.cwd
}

// SetCwd replaces the context's current-directory v-node with one the
// caller already holds a reference on; the context takes ownership of that
// reference and drops its old cwd's.
func (ioc *Ioctx) SetCwd(v *vfs.VNode) {
	ioc.mu.Lock()
	old := ioc.cwd
	ioc.cwd = v
	ioc.mu.Unlock()
	vfs.PutVnode(old)
}

// Alloc implements fd_alloc(ioctx, vnode, open_mode): reject opening a
// directory for writing with EPERM, allocate an FD record referencing v
// (refcount 1, a v-node reference taken), install the record into the first
// free slot, then dispatch fs_open (removing the slot again if fs_open
// fails), and return the integer handle together with the FD.
func (ioc *Ioctx) Alloc(ctx context.Context, v *vfs.VNode, omode OpenFlags) (int, *FD, error) {
	if v.Mode().IsDir() && omode&(OWrOnly|ORdWr) != 0 {
		return 0, nil, kerrno.Perm
	}

	v.Ref()
	f := &FD{vn: v, refs: refcount.New()}
	if omode&OCloExec != 0 {
		f.flags |= fdCloseOnExec
	}

	ioc.mu.Lock()
	fd, err := ioc.addFDLocked(f)
	ioc.mu.Unlock()
	if err != nil {
		vfs.PutVnode(v)
		return 0, nil, err
	}

	private, err := vfs.Open(ctx, v, int(omode))
	if err != nil {
		ioc.Free(f)
		return 0, nil, err
	}
	f.private = private

	return fd, f, nil
}

// Get returns a counted reference to the FD installed at fd.
func (ioc *Ioctx) Get(fd int) (*FD, error) {
	ioc.mu.Lock()
	defer ioc.mu.Unlock()
	if fd < 0 || fd >= ioc.tblSize || ioc.fds[fd] == nil {
		return nil, kerrno.BadFd
	}
	f := ioc.fds[fd]
	if !f.refInc() {
		return nil, kerrno.BadFd
	}
	return f, nil
}

// Put drops a reference taken by Get, freeing the FD (dispatching
// fs_close then fs_release_fd) on the last drop.
func Put(f *FD) error {
	if !f.refs.DecAndTest() {
		return kerrno.Busy
	}
	f.free()
	return nil
}

// Del removes fd from the table and drops the context's own reference.
func (ioc *Ioctx) Del(fd int) error {
	ioc.mu.Lock()
	defer ioc.mu.Unlock()
	return ioc.delFDLocked(fd)
}

// Free removes f from wherever it is installed in the table and drops the
// context's own reference (used by Alloc to unwind a slot it just
// installed after a later failure).
func (ioc *Ioctx) Free(f *FD) error {
	ioc.mu.Lock()
	defer ioc.mu.Unlock()
	for i, cur := range ioc.fds {
		if cur == f {
			return ioc.delFDLocked(i)
		}
	}
	return kerrno.NotFound
}

// Resize changes the table size, preserving existing entries. Shrinking
// below a used slot fails with EBUSY; 0 or larger than MaxFDTableSize
// fails with EINVAL.
func (ioc *Ioctx) Resize(newSize int) error {
	if newSize <= 0 || newSize > MaxFDTableSize {
		return kerrno.Invalid
	}

	ioc.mu.Lock()
	defer ioc.mu.Unlock()

	if newSize < ioc.tblSize {
		for i := newSize; i < ioc.tblSize; i++ {
			if ioc.fds[i] != nil {
				return kerrno.Busy
			}
		}
	}

	newFds := make([]*FD, newSize)
	newBitmap := make([]uint32, (newSize+31)/32)
	copyLen := newSize
	if ioc.tblSize < copyLen {
		copyLen = ioc.tblSize
	}
	copy(newFds, ioc.fds[:copyLen])
	for i := 0; i < copyLen; i++ {
		if ioc.fds[i] != nil {
			newBitmap[i/32] |= 1 << uint(i%32)
		}
	}

	ioc.fds = newFds
	ioc.bitmap = newBitmap
	ioc.tblSize = newSize
	return nil
}

// Close tears the context down: releases every installed FD, then its
// root and cwd v-node references.
func (ioc *Ioctx) Close() {
	ioc.mu.Lock()
	for i := range ioc.fds {
		if ioc.fds[i] != nil {
			ioc.delFDLocked(i)
		}
	}
	root, cwd := ioc.root, ioc.cwd
	ioc.root, ioc.cwd = nil, nil
	ioc.mu.Unlock()

	vfs.PutVnode(root)
	vfs.PutVnode(cwd)
}
