// Package vfs implements the VFS core: the mount table, the per-mount
// v-node cache with its valid/busy/dirty/delete state machine, and the
// fs_calls dispatch vector plus name registry that lets physical file
// systems plug into the storage stack.
//
// FSCalls is a struct of function fields rather than an interface: all but
// eight entries are optional, which plain nil checks express directly
// without forcing every physical file system to stub every method.
package vfs

import (
	"context"
	"sync"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/refcount"
)

// FSCalls is the dispatch vector a physical file system registers.
// Only Mount/Unmount/Sync/Lookup/GetVnode/PutVnode/Read/Write are
// unconditionally required; every other entry may be left nil, and VFS
// tolerates a nil entry by returning the documented default noted on each
// field.
type FSCalls struct {
	// Mount is called once per mount attempt with the raw device id and
	// mount args; returns the fs-private superblock pointer and the
	// root v-node's id.
	Mount func(ctx context.Context, devID uint64, args any) (super any, rootVnID uint64, err error)
	// Unmount tears the superblock down. Called with every v-node
	// already released.
	Unmount func(ctx context.Context, super any) error
	// Sync flushes any fs-private dirty state not already captured by
	// dirty page-cache pages.
	Sync func(ctx context.Context, super any) error

	// Lookup resolves name within the directory identified by dirFsVnode,
	// returning the child's v-node id.
	Lookup func(ctx context.Context, super any, dirFsVnode any, name string) (vnid uint64, err error)
	// GetVnode loads the fs-private v-node data for vnid, called on a
	// v-node-cache miss.
	GetVnode func(ctx context.Context, super any, vnid uint64) (mode FileMode, fsVnode any, err error)
	// PutVnode releases fs-private v-node data without deleting it.
	PutVnode func(ctx context.Context, super any, fsVnode any) error
	// RemoveVnode releases fs-private v-node data and deletes the
	// underlying file; dispatched instead of PutVnode when the v-node's
	// DELETE flag is set. Optional: VFS falls back to PutVnode when nil.
	RemoveVnode func(ctx context.Context, super any, fsVnode any) error

	// Open is called from fd_alloc; the returned private value is the
	// fs-private per-open cookie. Optional: nil means "no per-open setup
	// needed".
	Open func(ctx context.Context, super any, fsVnode any, omode int) (private any, err error)
	// Close is called on an FD's last reference, before ReleaseFD.
	Close func(ctx context.Context, super any, fsVnode any, private any) error
	// ReleaseFD is called immediately after Close on an FD's last
	// reference.
	ReleaseFD func(ctx context.Context, super any, fsVnode any, private any) error
	// Fsync flushes fsVnode's dirty pages/metadata. Optional: nil means
	// success (a memory file system has nothing to flush).
	Fsync func(ctx context.Context, super any, fsVnode any, private any) error

	// Read/Write are unconditionally required.
	Read  func(ctx context.Context, super any, fsVnode any, private any, buf []byte, off int64) (n int, err error)
	Write func(ctx context.Context, super any, fsVnode any, private any, buf []byte, off int64) (n int, err error)
	// Seek validates/adjusts a new file position; optional, nil means
	// any non-negative offset is accepted as-is.
	Seek func(ctx context.Context, super any, fsVnode any, newOffset int64, whence int) (int64, error)
	// Ioctl is optional; nil means ENOTTY.
	Ioctl func(ctx context.Context, super any, fsVnode any, private any, cmd uint32, arg any) (any, error)

	// Create/Mkdir allocate a new child; optional (a read-only FS omits
	// both).
	Create func(ctx context.Context, super any, dirFsVnode any, name string, mode FileMode) (vnid uint64, err error)
	Mkdir  func(ctx context.Context, super any, dirFsVnode any, name string, mode FileMode) (vnid uint64, err error)
	Unlink func(ctx context.Context, super any, dirFsVnode any, name string) error
	Rename func(ctx context.Context, super any, oldDirFsVnode any, oldName string, newDirFsVnode any, newName string) error
	Rmdir  func(ctx context.Context, super any, dirFsVnode any, name string) error

	// GetDents lists a directory's children starting at cookie (an
	// opaque resume point, 0 meaning "from the start"); returns the next
	// cookie to resume from, or ok=false when the listing is exhausted.
	GetDents func(ctx context.Context, super any, dirFsVnode any, cookie int64) (entries []Dirent, next int64, ok bool, err error)

	GetAttr func(ctx context.Context, super any, fsVnode any) (Attr, error)
	SetAttr func(ctx context.Context, super any, fsVnode any, attr Attr) error

	// Strategy is the fs_calls slot for device-backed page I/O. Neither
	// vfs nor bdev calls it: a bdev.Device performs its I/O through the
	// bdev.StrategyFunc passed to RegisterDevice.
	Strategy func(ctx context.Context, super any, devID uint64, pageOffset int64, data []byte, isWrite bool) error
}

// IsValidFSCalls rejects a table missing any unconditionally-required
// entry.
func IsValidFSCalls(c *FSCalls) bool {
	if c == nil {
		return false
	}
	return c.Mount != nil && c.Unmount != nil && c.Sync != nil &&
		c.Lookup != nil && c.GetVnode != nil && c.PutVnode != nil &&
		c.Read != nil && c.Write != nil
}

// FSType flags a registered file system.
type FSType uint32

const (
	FSTypeNormal FSType = 0
	// FSTypePseudo marks a file system Mount's device-probing sweep over
	// the registry skips.
	FSTypePseudo FSType = 1 << iota
)

// fsContainer is a named, reference-counted binding of a file-system name
// to its fs_calls vtable.
type fsContainer struct {
	name  string
	flags FSType
	calls *FSCalls
	refs  *refcount.Counter
}

func (c *fsContainer) refInc() bool { return c.refs.IncIfValid() }

// Registry is the process-wide file-system name registry combined with
// the mount table, so (*Registry).Mount can walk registered file systems
// and the mount table in one place.
type Registry struct {
	fsMu sync.Mutex
	fs   map[string]*fsContainer

	mountMu    sync.Mutex
	mounts     map[uint64]*Mount
	lastID     uint64
	systemRoot *Mount
}

// NewRegistry returns an empty file-system name registry and mount table.
func NewRegistry() *Registry {
	return &Registry{
		fs:     make(map[string]*fsContainer),
		mounts: make(map[uint64]*Mount),
	}
}

// RegisterFileSystem binds name to calls.
func (r *Registry) RegisterFileSystem(name string, flags FSType, calls *FSCalls) error {
	if !IsValidFSCalls(calls) {
		return kerrno.Invalid
	}

	r.fsMu.Lock()
	defer r.fsMu.Unlock()
	if _, exists := r.fs[name]; exists {
		return kerrno.Exist
	}
	r.fs[name] = &fsContainer{name: name, flags: flags, calls: calls, refs: refcount.New()}
	return nil
}

// UnregisterFileSystem removes name.
func (r *Registry) UnregisterFileSystem(name string) error {
	r.fsMu.Lock()
	defer r.fsMu.Unlock()
	if _, exists := r.fs[name]; !exists {
		return kerrno.NotFound
	}
	delete(r.fs, name)
	return nil
}

// getFS returns a counted reference to the named file system.
func (r *Registry) getFS(name string) (*fsContainer, error) {
	r.fsMu.Lock()
	fs, ok := r.fs[name]
	r.fsMu.Unlock()
	if !ok {
		return nil, kerrno.NotFound
	}
	if !fs.refInc() {
		return nil, kerrno.NotFound
	}
	return fs, nil
}

func (r *Registry) putFS(fs *fsContainer) {
	fs.refs.DecAndTest()
}

// registeredFSNames snapshots the registry's names for Mount's sweep:
// taken under the table lock, then walked without it, since each probe
// re-resolves its file system by name anyway.
func (r *Registry) registeredFSNames() []string {
	r.fsMu.Lock()
	defer r.fsMu.Unlock()
	names := make([]string, 0, len(r.fs))
	for name := range r.fs {
		names = append(names, name)
	}
	return names
}
