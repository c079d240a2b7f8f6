// Package memfs implements a minimal in-memory fs_calls collaborator for
// the storage stack: a flat superblock holding an inode table, directories
// backed by a name->inode-id map, and regular files backed by their own
// pagecache.Pool. It exists purely to give the VFS core and page cache a
// real file system to drive end to end in tests. One mutex guards the
// whole tree rather than per-node locks; at this scale contention is not a
// concern and the single-lock discipline keeps every operation trivially
// atomic.
package memfs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pagecache"
	"github.com/yatos-project/yatos/pageframe"
	"github.com/yatos-project/yatos/vfs"
)

// pageSize is this file system's page-cache granularity. It has no
// relationship to any device's sector size since memfs is never
// device-backed.
const pageSize = 4096

// rootIno is the root directory's fixed inode number, handed back as
// rootVnID from Mount.
const rootIno = 1

// inode is one file or directory record. Directories carry a non-nil
// children map; regular files carry a non-nil pool. A zero value of either
// never coexists with the other.
type inode struct {
	ino   uint64
	mode  vfs.FileMode
	uid   uint32
	gid   uint32
	mtime time.Time
	nlink uint32

	size int64
	pool *pagecache.Pool

	children map[string]uint64
}

func (in *inode) isDir() bool { return in.children != nil }

func newDirInode(ino uint64, perm vfs.FileMode) *inode {
	return &inode{
		ino:      ino,
		mode:     vfs.ModeDir | (perm & vfs.PermMask),
		nlink:    2,
		mtime:    time.Now(),
		children: make(map[string]uint64),
	}
}

func newFileInode(ino uint64, perm vfs.FileMode, allocator *pageframe.Allocator) *inode {
	return &inode{
		ino:   ino,
		mode:  perm & vfs.PermMask,
		nlink: 1,
		mtime: time.Now(),
		pool:  pagecache.NewFilePool(allocator),
	}
}

// superblock is the fs-private per-mount state Mount hands back.
type superblock struct {
	mu        sync.Mutex
	allocator *pageframe.Allocator
	nextIno   uint64
	inodes    map[uint64]*inode
}

// New returns an fs_calls vtable for one registration of this file system;
// each Mount call against it builds an independent superblock, so the same
// *vfs.FSCalls value can back multiple concurrent mounts.
func New() *vfs.FSCalls {
	return &vfs.FSCalls{
		Mount:    mount,
		Unmount:  unmount,
		Sync:     syncFS,
		Lookup:   lookup,
		GetVnode: getVnode,
		PutVnode: putVnode,
		Read:     read,
		Write:    write,
		Create:   create,
		Mkdir:    mkdir,
		Unlink:   unlink,
		Rmdir:    rmdir,
		Rename:   rename,
		GetDents: getDents,
		GetAttr:  getAttr,
		SetAttr:  setAttr,
	}
}

func mount(ctx context.Context, devID uint64, args any) (any, uint64, error) {
	sb := &superblock{
		allocator: pageframe.NewAllocator(pageSize),
		nextIno:   rootIno + 1,
		inodes:    make(map[uint64]*inode),
	}
	sb.inodes[rootIno] = newDirInode(rootIno, 0o755)
	return sb, rootIno, nil
}

func unmount(ctx context.Context, super any) error { return nil }

func syncFS(ctx context.Context, super any) error { return nil }

func lookup(ctx context.Context, super, dirFsVnode any, name string) (uint64, error) {
	dir := dirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !dir.isDir() {
		return 0, kerrno.NotDir
	}
	ino, ok := dir.children[name]
	if !ok {
		return 0, kerrno.NotFound
	}
	return ino, nil
}

func getVnode(ctx context.Context, super any, vnid uint64) (vfs.FileMode, any, error) {
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	in, ok := sb.inodes[vnid]
	if !ok {
		return 0, nil, kerrno.NotFound
	}
	return in.mode, in, nil
}

// putVnode is the ordinary (non-delete) release path. The inode record
// itself is only ever removed by Unlink/Rmdir/Rename, so there is nothing
// further to release here; RemoveVnode is left nil, so VFS falls back to
// calling this on every last-reference drop regardless of the v-node's
// DELETE flag.
func putVnode(ctx context.Context, super, fsVnode any) error { return nil }

// read implements fs_read, walking whole pages out of the inode's own
// page-cache pool rather than any shared/device pool.
func read(ctx context.Context, super, fsVnode, private any, buf []byte, off int64) (int, error) {
	in := fsVnode.(*inode)
	if in.isDir() {
		return 0, kerrno.IsDir
	}
	sb := super.(*superblock)
	sb.mu.Lock()
	size, pool := in.size, in.pool
	sb.mu.Unlock()

	if off < 0 {
		return 0, kerrno.Invalid
	}
	if off >= size {
		return 0, nil
	}
	if want := size - off; int64(len(buf)) > want {
		buf = buf[:want]
	}

	total := 0
	for total < len(buf) {
		cur := off + int64(total)
		pc, err := pool.Get(ctx, cur)
		if err != nil {
			return total, err
		}
		data := pc.ReferData()
		pageOff := int(cur - pc.Offset())
		n := copy(buf[total:], data[pageOff:])
		pool.Put(pc)
		total += n
	}
	return total, nil
}

// write implements fs_write, extending the inode's recorded size when the
// write runs past the current end of file.
func write(ctx context.Context, super, fsVnode, private any, buf []byte, off int64) (int, error) {
	in := fsVnode.(*inode)
	if in.isDir() {
		return 0, kerrno.IsDir
	}
	if off < 0 {
		return 0, kerrno.Invalid
	}
	sb := super.(*superblock)
	pool := in.pool

	total := 0
	for total < len(buf) {
		cur := off + int64(total)
		pc, err := pool.Get(ctx, cur)
		if err != nil {
			return total, err
		}
		data := pc.ReferData()
		pageOff := int(cur - pc.Offset())
		n := copy(data[pageOff:], buf[total:])
		pc.MarkDirty()
		pool.Put(pc)
		total += n
	}

	sb.mu.Lock()
	if end := off + int64(total); end > in.size {
		in.size = end
	}
	in.mtime = time.Now()
	sb.mu.Unlock()

	return total, nil
}

func create(ctx context.Context, super, dirFsVnode any, name string, mode vfs.FileMode) (uint64, error) {
	dir := dirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !dir.isDir() {
		return 0, kerrno.NotDir
	}
	if _, exists := dir.children[name]; exists {
		return 0, kerrno.Exist
	}
	ino := sb.nextIno
	sb.nextIno++
	in := newFileInode(ino, mode, sb.allocator)
	sb.inodes[ino] = in
	dir.children[name] = ino
	return ino, nil
}

func mkdir(ctx context.Context, super, dirFsVnode any, name string, mode vfs.FileMode) (uint64, error) {
	dir := dirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !dir.isDir() {
		return 0, kerrno.NotDir
	}
	if _, exists := dir.children[name]; exists {
		return 0, kerrno.Exist
	}
	ino := sb.nextIno
	sb.nextIno++
	in := newDirInode(ino, mode)
	sb.inodes[ino] = in
	dir.children[name] = ino
	dir.nlink++
	return ino, nil
}

// unlink removes a regular-file directory entry and its inode record. A
// v-node already resolved against that inode (an open FD's fsVnode) holds
// the *inode pointer directly rather than re-looking it up by id, so it
// keeps working until its own last reference drops; unlink-while-open
// needs no extra bookkeeping.
func unlink(ctx context.Context, super, dirFsVnode any, name string) error {
	dir := dirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ino, ok := dir.children[name]
	if !ok {
		return kerrno.NotFound
	}
	if child := sb.inodes[ino]; child != nil && child.isDir() {
		return kerrno.IsDir
	}
	delete(dir.children, name)
	delete(sb.inodes, ino)
	return nil
}

func rmdir(ctx context.Context, super, dirFsVnode any, name string) error {
	dir := dirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ino, ok := dir.children[name]
	if !ok {
		return kerrno.NotFound
	}
	child := sb.inodes[ino]
	if child == nil || !child.isDir() {
		return kerrno.NotDir
	}
	if len(child.children) > 0 {
		// No ENOTEMPTY in this error set; Busy is the closest "in use,
		// can't remove yet" signal.
		return kerrno.Busy
	}
	delete(dir.children, name)
	delete(sb.inodes, ino)
	dir.nlink--
	return nil
}

func rename(ctx context.Context, super, oldDirFsVnode any, oldName string, newDirFsVnode any, newName string) error {
	oldDir := oldDirFsVnode.(*inode)
	newDir := newDirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	ino, ok := oldDir.children[oldName]
	if !ok {
		return kerrno.NotFound
	}
	if existingIno, exists := newDir.children[newName]; exists {
		existing := sb.inodes[existingIno]
		if existing != nil && existing.isDir() && len(existing.children) > 0 {
			return kerrno.Busy
		}
		delete(sb.inodes, existingIno)
	}
	delete(oldDir.children, oldName)
	newDir.children[newName] = ino
	return nil
}

// getDents lists a directory's children in sorted name order, batching at
// most 32 entries per call and resuming from the opaque cookie.
func getDents(ctx context.Context, super, dirFsVnode any, cookie int64) ([]vfs.Dirent, int64, bool, error) {
	dir := dirFsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !dir.isDir() {
		return nil, 0, false, kerrno.NotDir
	}

	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)

	if cookie < 0 || cookie > int64(len(names)) {
		return nil, 0, false, kerrno.Invalid
	}
	const batch = 32
	end := cookie + batch
	if end > int64(len(names)) {
		end = int64(len(names))
	}

	entries := make([]vfs.Dirent, 0, end-cookie)
	for _, name := range names[cookie:end] {
		ino := dir.children[name]
		var mode vfs.FileMode
		if child := sb.inodes[ino]; child != nil {
			mode = child.mode
		}
		entries = append(entries, vfs.Dirent{Name: name, VnID: ino, Mode: mode})
	}
	return entries, end, end < int64(len(names)), nil
}

func getAttr(ctx context.Context, super, fsVnode any) (vfs.Attr, error) {
	in := fsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return vfs.Attr{
		Mode:  in.mode,
		Size:  in.size,
		Nlink: in.nlink,
		Uid:   in.uid,
		Gid:   in.gid,
		Mtime: in.mtime,
	}, nil
}

func setAttr(ctx context.Context, super, fsVnode any, attr vfs.Attr) error {
	in := fsVnode.(*inode)
	sb := super.(*superblock)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if attr.SetMask&vfs.AttrMode != 0 {
		in.mode = (in.mode &^ vfs.PermMask) | (attr.Mode & vfs.PermMask)
	}
	if attr.SetMask&vfs.AttrSize != 0 {
		in.size = attr.Size
	}
	if attr.SetMask&vfs.AttrUid != 0 {
		in.uid = attr.Uid
	}
	if attr.SetMask&vfs.AttrGid != 0 {
		in.gid = attr.Gid
	}
	if attr.SetMask&vfs.AttrMtime != 0 {
		in.mtime = attr.Mtime
	}
	return nil
}
