package vfs

import (
	"context"

	"github.com/yatos-project/yatos/kerrno"
)

// Open dispatches fs_open for a newly allocated file descriptor. A nil
// Open hook means no per-open setup is required.
func Open(ctx context.Context, v *VNode, omode int) (any, error) {
	mount := v.mount
	if mount.fs.calls.Open == nil {
		return nil, nil
	}
	return mount.fs.calls.Open(ctx, mount.super, v.FSVnode(), omode)
}

// Close dispatches fs_close on an FD's last reference, before ReleaseFD.
func Close(ctx context.Context, v *VNode, private any) error {
	mount := v.mount
	if mount.fs.calls.Close == nil {
		return nil
	}
	return mount.fs.calls.Close(ctx, mount.super, v.FSVnode(), private)
}

// ReleaseFD dispatches fs_release_fd immediately after Close.
func ReleaseFD(ctx context.Context, v *VNode, private any) error {
	mount := v.mount
	if mount.fs.calls.ReleaseFD == nil {
		return nil
	}
	return mount.fs.calls.ReleaseFD(ctx, mount.super, v.FSVnode(), private)
}

// Read dispatches fs_read.
func Read(ctx context.Context, v *VNode, private any, buf []byte, off int64) (int, error) {
	mount := v.mount
	return mount.fs.calls.Read(ctx, mount.super, v.FSVnode(), private, buf, off)
}

// Write dispatches fs_write.
func Write(ctx context.Context, v *VNode, private any, buf []byte, off int64) (int, error) {
	mount := v.mount
	return mount.fs.calls.Write(ctx, mount.super, v.FSVnode(), private, buf, off)
}

// Seek dispatches fs_seek; a nil hook accepts any non-negative offset as-is.
func Seek(ctx context.Context, v *VNode, newOffset int64, whence int) (int64, error) {
	mount := v.mount
	if mount.fs.calls.Seek == nil {
		if newOffset < 0 {
			return 0, kerrno.Invalid
		}
		return newOffset, nil
	}
	return mount.fs.calls.Seek(ctx, mount.super, v.FSVnode(), newOffset, whence)
}

// Ioctl dispatches fs_ioctl; a nil hook means ENOTTY.
func Ioctl(ctx context.Context, v *VNode, private any, cmd uint32, arg any) (any, error) {
	mount := v.mount
	if mount.fs.calls.Ioctl == nil {
		return nil, kerrno.NotTTY
	}
	return mount.fs.calls.Ioctl(ctx, mount.super, v.FSVnode(), private, cmd, arg)
}

// Fsync dispatches fs_fsync; a nil hook means success.
func Fsync(ctx context.Context, v *VNode, private any) error {
	mount := v.mount
	if mount.fs.calls.Fsync == nil {
		return nil
	}
	return mount.fs.calls.Fsync(ctx, mount.super, v.FSVnode(), private)
}

// GetAttr dispatches fs_getattr.
func GetAttr(ctx context.Context, v *VNode) (Attr, error) {
	mount := v.mount
	if mount.fs.calls.GetAttr == nil {
		return Attr{}, kerrno.Invalid
	}
	return mount.fs.calls.GetAttr(ctx, mount.super, v.FSVnode())
}

// SetAttr dispatches fs_setattr.
func SetAttr(ctx context.Context, v *VNode, attr Attr) error {
	mount := v.mount
	if mount.fs.calls.SetAttr == nil {
		return kerrno.Invalid
	}
	return mount.fs.calls.SetAttr(ctx, mount.super, v.FSVnode(), attr)
}

// Lookup resolves name within directory dir, returning a counted reference
// on the resulting child v-node.
func Lookup(ctx context.Context, dir *VNode, name string) (*VNode, error) {
	mount := dir.mount
	vnid, err := mount.fs.calls.Lookup(ctx, mount.super, dir.FSVnode(), name)
	if err != nil {
		return nil, err
	}
	return findVnode(ctx, mount, vnid)
}

// Create dispatches fs_create, returning a counted reference on the new
// child v-node.
func Create(ctx context.Context, dir *VNode, name string, mode FileMode) (*VNode, error) {
	mount := dir.mount
	if mount.fs.calls.Create == nil {
		return nil, kerrno.Invalid
	}
	vnid, err := mount.fs.calls.Create(ctx, mount.super, dir.FSVnode(), name, mode)
	if err != nil {
		return nil, err
	}
	return findVnode(ctx, mount, vnid)
}

// Mkdir dispatches fs_mkdir, returning a counted reference on the new
// directory v-node.
func Mkdir(ctx context.Context, dir *VNode, name string, mode FileMode) (*VNode, error) {
	mount := dir.mount
	if mount.fs.calls.Mkdir == nil {
		return nil, kerrno.Invalid
	}
	vnid, err := mount.fs.calls.Mkdir(ctx, mount.super, dir.FSVnode(), name, mode)
	if err != nil {
		return nil, err
	}
	return findVnode(ctx, mount, vnid)
}

// Unlink dispatches fs_unlink.
func Unlink(ctx context.Context, dir *VNode, name string) error {
	mount := dir.mount
	if mount.fs.calls.Unlink == nil {
		return kerrno.Invalid
	}
	return mount.fs.calls.Unlink(ctx, mount.super, dir.FSVnode(), name)
}

// Rmdir dispatches fs_rmdir.
func Rmdir(ctx context.Context, dir *VNode, name string) error {
	mount := dir.mount
	if mount.fs.calls.Rmdir == nil {
		return kerrno.Invalid
	}
	return mount.fs.calls.Rmdir(ctx, mount.super, dir.FSVnode(), name)
}

// Rename dispatches fs_rename. Both directories must belong to the same
// mount; cross-mount rename is rejected before reaching the fs hook.
func Rename(ctx context.Context, oldDir *VNode, oldName string, newDir *VNode, newName string) error {
	if oldDir.mount != newDir.mount {
		return kerrno.Invalid
	}
	mount := oldDir.mount
	if mount.fs.calls.Rename == nil {
		return kerrno.Invalid
	}
	return mount.fs.calls.Rename(ctx, mount.super, oldDir.FSVnode(), oldName, newDir.FSVnode(), newName)
}

// GetDents dispatches fs_getdents.
func GetDents(ctx context.Context, dir *VNode, cookie int64) ([]Dirent, int64, bool, error) {
	mount := dir.mount
	if mount.fs.calls.GetDents == nil {
		return nil, 0, false, kerrno.Invalid
	}
	return mount.fs.calls.GetDents(ctx, mount.super, dir.FSVnode(), cookie)
}

// SetSystemRoot designates m's root v-node as the system root, consulted
// by ioctx allocation when no parent context is given.
func (r *Registry) SetSystemRoot(m *Mount) {
	r.mountMu.Lock()
	r.systemRoot = m
	r.mountMu.Unlock()
}

// SystemRootVnode returns a counted reference on the system root v-node.
func (r *Registry) SystemRootVnode(ctx context.Context) (*VNode, error) {
	r.mountMu.Lock()
	m := r.systemRoot
	r.mountMu.Unlock()
	if m == nil {
		return nil, kerrno.NoDevice
	}
	if !m.refInc() {
		return nil, kerrno.NoDevice
	}
	defer m.refDec()
	return findVnode(ctx, m, m.rootVnID)
}
