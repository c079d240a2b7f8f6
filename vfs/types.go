package vfs

import "time"

// FileMode is the mode bits stored on every v-node: file type plus
// permission bits, in the usual Unix bit layout but kept local so vfs has
// no stdlib os dependency for its core data model.
type FileMode uint32

const (
	ModeDir FileMode = 1 << (12 + iota)
	ModeBlockDevice
	ModeCharDevice
	ModeFIFO
	ModeSymlink
)

// PermMask is the low 12 bits of FileMode, the rwxrwxrwx + setuid/setgid/sticky bits.
const PermMask FileMode = 0o7777

// IsDir reports whether m names a directory.
func (m FileMode) IsDir() bool { return m&ModeDir != 0 }

// Attr is the fs_getattr/fs_setattr payload.
type Attr struct {
	Mode    FileMode
	Size    int64
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Mtime   time.Time
	SetMask AttrMask // which fields SetAttr should apply; ignored by GetAttr
}

// AttrMask selects which Attr fields a SetAttr call should write.
type AttrMask uint32

const (
	AttrMode AttrMask = 1 << iota
	AttrSize
	AttrUid
	AttrGid
	AttrMtime
)

// Dirent is one entry returned by GetDents.
type Dirent struct {
	Name string
	VnID uint64
	Mode FileMode
}
