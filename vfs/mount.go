package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/refcount"
)

// mntFlags is the mount-level flag bitset.
type mntFlags uint32

const (
	mntUnmounting mntFlags = 1 << iota
)

// invalidMountID marks "no mount"; id allocation never hands it out.
const invalidMountID uint64 = 0

// Mount is one mounted file system: the binding of a path to a
// (device, fs_container) pair, owning a cache of v-nodes.
type Mount struct {
	id        uint64
	path      string
	devID     uint64
	fs        *fsContainer
	super     any
	rootVnID  uint64
	flags     mntFlags
	owner     *Registry

	mu     sync.Mutex
	refs   *refcount.Counter
	vnodes map[uint64]*VNode
}

// ID returns the mount's assigned mount-id.
func (m *Mount) ID() uint64 { return m.id }

// Path returns the mount point path this mount was attached at.
func (m *Mount) Path() string { return m.path }

// DevID returns the backing device id.
func (m *Mount) DevID() uint64 { return m.devID }

// RootVnID returns the root v-node's id within this mount.
func (m *Mount) RootVnID() uint64 { return m.rootVnID }

// Super returns the fs-private superblock pointer handed back by Mount.
func (m *Mount) Super() any { return m.super }

// refInc/refDec implement the mount's own counted-reference lifecycle:
// lookup by mount-id returns a counted reference, and the last drop
// removes and frees the mount, recursively dropping its v-nodes.
func (m *Mount) refInc() bool { return m.refs.IncIfValid() }

func (m *Mount) refDec() {
	r := m.owner
	if !m.refs.DecAndLock(&r.mountMu) {
		return
	}
	delete(r.mounts, m.id)
	r.freeMountIDLocked(m.id)
	r.mountMu.Unlock()
	m.finishTeardown()
}

// finishTeardown runs the tail shared by both teardown paths — an ordinary
// last-reference drop (refDec) and a successful synchronous Unmount — once
// the mount has already been removed from r.mounts and r.mountMu already
// released: drop every v-node still reachable from m (recursively tearing
// each down), then dispatch fs_unmount and release the registry's own
// reference on the fs container. By the time a mount's reference count
// reaches zero no v-node can still be holding its own back-reference on m
// (each v-node's first fault-in bumps m.refs), so m.vnodes is ordinarily
// already empty here; the walk stays as a defensive recursive drop.
func (m *Mount) finishTeardown() {
	m.mu.Lock()
	vnodes := make([]*VNode, 0, len(m.vnodes))
	for _, vn := range m.vnodes {
		vnodes = append(vnodes, vn)
	}
	m.mu.Unlock()
	for _, vn := range vnodes {
		vn.destroy()
	}

	m.fs.calls.Unmount(context.Background(), m.super)
	m.owner.putFS(m.fs)
}

// allocMountIDLocked assigns an unused mount-id, monotone with
// wrap-around search skipping the invalid id. Caller holds r.mountMu.
func (r *Registry) allocMountIDLocked() (uint64, error) {
	start := r.lastID + 1
	for id := start; ; id++ {
		if id == invalidMountID {
			continue
		}
		if _, exists := r.mounts[id]; !exists {
			r.lastID = id
			return id, nil
		}
		if id == r.lastID {
			break
		}
	}
	return 0, kerrno.NoSpace
}

// freeMountIDLocked rewinds the search cursor when the most recently
// allocated id is freed. Caller holds r.mountMu.
func (r *Registry) freeMountIDLocked(id uint64) {
	if r.lastID == id {
		r.lastID = id - 1
	}
}

// mountWithFSName binds path/devID to the named file system: validates the
// name is registered, calls its fs_calls.Mount to obtain the superblock and
// root v-node id, then assigns a mount-id and publishes the Mount.
// Errors from an unknown name or a fs-specific mount failure are returned
// verbatim so Mount's sweep can distinguish "try the next fs" from
// "stop, this is the answer".
func (r *Registry) mountWithFSName(ctx context.Context, path string, devID uint64, fsName string, args any) (*Mount, error) {
	fs, err := r.getFS(fsName)
	if err != nil {
		return nil, kerrno.NotFound
	}

	super, rootVnID, err := fs.calls.Mount(ctx, devID, args)
	if err != nil {
		r.putFS(fs)
		return nil, err
	}

	r.mountMu.Lock()
	id, err := r.allocMountIDLocked()
	if err != nil {
		r.mountMu.Unlock()
		fs.calls.Unmount(ctx, super)
		r.putFS(fs)
		return nil, err
	}

	m := &Mount{
		id:       id,
		path:     path,
		devID:    devID,
		fs:       fs,
		super:    super,
		rootVnID: rootVnID,
		owner:    r,
		refs:     refcount.New(),
		vnodes:   make(map[uint64]*VNode),
	}
	r.mounts[id] = m
	r.mountMu.Unlock()

	return m, nil
}

// mountPathInUse reports whether some live mount is already attached at
// path.
func (r *Registry) mountPathInUse(path string) bool {
	r.mountMu.Lock()
	defer r.mountMu.Unlock()
	for _, m := range r.mounts {
		if m.path == path {
			return true
		}
	}
	return false
}

// splitMountPath normalizes a mount path into its non-empty segments,
// e.g. "/tmp/" -> ["tmp"], "/" -> nil.
func splitMountPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// checkMountPointIsDir resolves path against the system root's v-node tree
// and rejects a target that exists but is not a directory. "/" and any
// path reached before a
// system root has been designated (SetSystemRoot) are accepted
// unconditionally — a kernel's own bootstrap mount of its root file system
// has no existing tree to resolve its own mount point against.
func (r *Registry) checkMountPointIsDir(ctx context.Context, path string) error {
	segs := splitMountPath(path)
	if len(segs) == 0 {
		return nil
	}

	cur, err := r.SystemRootVnode(ctx)
	if err != nil {
		return nil
	}
	for _, seg := range segs {
		next, err := Lookup(ctx, cur, seg)
		PutVnode(cur)
		if err != nil {
			return err
		}
		cur = next
	}
	defer PutVnode(cur)
	if !cur.Mode().IsDir() {
		return kerrno.NotDir
	}
	return nil
}

// Mount attaches a file system at path: validate the
// mount point (not already mounted, and — once a tree exists to resolve it
// against — a directory), then iterate registered non-pseudo file systems,
// attempting mountWithFSName on each, returning on the first success or on
// a file-system-specific error (rather than "this fs doesn't recognize the
// volume", which is the NotFound signal to keep trying). If no registered
// file system could mount the device, returns NotFound.
func (r *Registry) Mount(ctx context.Context, path string, devID uint64, args any) (*Mount, error) {
	if r.mountPathInUse(path) {
		return nil, kerrno.Busy
	}
	if err := r.checkMountPointIsDir(ctx, path); err != nil {
		return nil, err
	}

	for _, name := range r.registeredFSNames() {
		fs, err := r.getFS(name)
		if err != nil {
			continue
		}
		pseudo := fs.flags&FSTypePseudo != 0
		r.putFS(fs)
		if pseudo {
			continue
		}

		m, err := r.mountWithFSName(ctx, path, devID, name, args)
		if err == nil {
			return m, nil
		}
		switch err {
		case kerrno.NotFound:
			continue
		default:
			return nil, err
		}
	}
	return nil, kerrno.NotFound
}

// GetMount returns a counted reference to the mount identified by mntID.
func (r *Registry) GetMount(mntID uint64) (*Mount, error) {
	r.mountMu.Lock()
	m, ok := r.mounts[mntID]
	r.mountMu.Unlock()
	if !ok {
		return nil, kerrno.Invalid
	}
	if !m.refInc() {
		return nil, kerrno.Invalid
	}
	return m, nil
}

// PutMount drops a reference taken by GetMount.
func (r *Registry) PutMount(m *Mount) {
	m.refDec()
}

// Unmount synchronously tears mntID down if and only if the registry's own
// table slot is currently its sole outstanding reference; otherwise it
// returns Busy without mutating any state, so the caller can retry once
// open files and other borrowers release their v-nodes.
// The mntUnmounting flag
// is set for the duration of the busy check so a concurrent lookup miss
// cannot fault a fresh v-node into a mount that is mid-unmount (vnode.go
// findVnode); it is cleared again if the mount turns out to be busy.
func (r *Registry) Unmount(mntID uint64) error {
	r.mountMu.Lock()
	m, ok := r.mounts[mntID]
	if !ok {
		r.mountMu.Unlock()
		return kerrno.Invalid
	}
	if m.flags&mntUnmounting != 0 {
		r.mountMu.Unlock()
		return kerrno.Busy
	}
	m.flags |= mntUnmounting
	r.mountMu.Unlock()

	if !m.refs.DecAndLockIfSole(&r.mountMu) {
		r.mountMu.Lock()
		m.flags &^= mntUnmounting
		r.mountMu.Unlock()
		return kerrno.Busy
	}
	delete(r.mounts, m.id)
	r.freeMountIDLocked(m.id)
	r.mountMu.Unlock()
	m.finishTeardown()
	return nil
}
