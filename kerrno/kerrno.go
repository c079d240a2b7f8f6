// Package kerrno defines the semantic error codes shared by every layer of
// the storage stack, from the page cache down to the block device.
//
// Errno wraps golang.org/x/sys/unix's numbering so that values compare
// cheaply with == and still satisfy the standard error interface.
package kerrno

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno is a kernel error code.
type Errno unix.Errno

func (e Errno) Error() string {
	return unix.Errno(e).Error()
}

// Is lets callers use errors.Is(err, kerrno.Busy) even when err has been
// wrapped with fmt.Errorf("...: %w", kerrno.Busy).
func (e Errno) Is(target error) bool {
	var other Errno
	if errors.As(target, &other) {
		return e == other
	}
	return false
}

// Sentinel values, grouped by error family.
const (
	Invalid         = Errno(unix.EINVAL) // invalid arguments
	Range           = Errno(unix.ERANGE)
	BadFd           = Errno(unix.EBADF)
	NotFound        = Errno(unix.ENOENT) // also lifecycle: object already released
	NoMem           = Errno(unix.ENOMEM) // resource exhaustion
	NoSpace         = Errno(unix.ENOSPC)
	TooManyOpenFile = Errno(unix.EMFILE)
	TooBig          = Errno(unix.E2BIG)
	Busy            = Errno(unix.EBUSY) // lifecycle collisions
	Exist           = Errno(unix.EEXIST)
	NoSuchProcess   = Errno(unix.ESRCH)
	IO              = Errno(unix.EIO) // I/O faults
	Interrupted     = Errno(unix.EINTR)
	NoDevice        = Errno(unix.ENODEV)
	Perm            = Errno(unix.EPERM)
	NotDir          = Errno(unix.ENOTDIR)
	IsDir           = Errno(unix.EISDIR)
	TooManySymlinks = Errno(unix.ELOOP)
	NotTTY          = Errno(unix.ENOTTY)
)

// Released is the code returned when a reference is acquired on an object
// that is already tearing down. It is numerically the same as NotFound; the
// separate name documents intent at call sites, distinguishing "mid-release"
// from "not present".
const Released = NotFound

// FromError maps a Go stdlib error produced by the host OS (e.g. os.File
// operations inside an fs_calls implementation) onto a kerrno code, falling
// back to IO for anything unrecognized.
func FromError(err error) Errno {
	if err == nil {
		return 0
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	var unixErrno unix.Errno
	if errors.As(err, &unixErrno) {
		return Errno(unixErrno)
	}
	return IO
}
