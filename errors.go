package sandboxfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"syscall"
)

// Errno is the error kind returned across the operation boundary.
// Every error produced by the VFS or a Backend resolves to exactly one
// Errno through ErrnoOf.
type Errno uint16

const (
	ErrNotFound Errno = iota + 1
	ErrAlreadyExists
	ErrNotADirectory
	ErrIsADirectory
	ErrNotEmpty
	ErrPermissionDenied
	ErrCrossDevice
	ErrSymlinkLoop
	ErrNotSupported
	ErrStaleInode
	ErrBusy
	ErrInvalid
	ErrBadDescriptor
	ErrReadOnly
	ErrTimedOut
	ErrCanceled
	ErrAlreadyMounted
	ErrNameTooLong
	ErrNoSpace
	ErrIO
)

var errnoNames = map[Errno]string{
	ErrNotFound:         "not found",
	ErrAlreadyExists:    "already exists",
	ErrNotADirectory:    "not a directory",
	ErrIsADirectory:     "is a directory",
	ErrNotEmpty:         "directory not empty",
	ErrPermissionDenied: "permission denied",
	ErrCrossDevice:      "cross-device link",
	ErrSymlinkLoop:      "too many levels of symbolic links",
	ErrNotSupported:     "operation not supported",
	ErrStaleInode:       "stale inode",
	ErrBusy:             "resource busy",
	ErrInvalid:          "invalid argument",
	ErrBadDescriptor:    "bad file descriptor",
	ErrReadOnly:         "read-only file system",
	ErrTimedOut:         "operation timed out",
	ErrCanceled:         "operation canceled",
	ErrAlreadyMounted:   "already mounted",
	ErrNameTooLong:      "file name too long",
	ErrNoSpace:          "no space left on device",
	ErrIO:               "input/output error",
}

var errnoSyscall = map[Errno]syscall.Errno{
	ErrNotFound:         syscall.ENOENT,
	ErrAlreadyExists:    syscall.EEXIST,
	ErrNotADirectory:    syscall.ENOTDIR,
	ErrIsADirectory:     syscall.EISDIR,
	ErrNotEmpty:         syscall.ENOTEMPTY,
	ErrPermissionDenied: syscall.EACCES,
	ErrCrossDevice:      syscall.EXDEV,
	ErrSymlinkLoop:      syscall.ELOOP,
	ErrNotSupported:     syscall.ENOTSUP,
	ErrStaleInode:       syscall.ESTALE,
	ErrBusy:             syscall.EBUSY,
	ErrInvalid:          syscall.EINVAL,
	ErrBadDescriptor:    syscall.EBADF,
	ErrReadOnly:         syscall.EROFS,
	ErrTimedOut:         syscall.ETIMEDOUT,
	ErrCanceled:         syscall.ECANCELED,
	ErrAlreadyMounted:   syscall.EBUSY,
	ErrNameTooLong:      syscall.ENAMETOOLONG,
	ErrNoSpace:          syscall.ENOSPC,
	ErrIO:               syscall.EIO,
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "errno " + strconv.Itoa(int(e))
}

// Syscall returns the POSIX errno for e.
func (e Errno) Syscall() syscall.Errno {
	if s, ok := errnoSyscall[e]; ok {
		return s
	}
	return syscall.EIO
}

// Is lets errors.Is match the io/fs sentinels.
func (e Errno) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e == ErrNotFound
	case fs.ErrExist:
		return e == ErrAlreadyExists
	case fs.ErrPermission:
		return e == ErrPermissionDenied || e == ErrReadOnly
	case fs.ErrInvalid:
		return e == ErrInvalid
	case fs.ErrClosed:
		return e == ErrBadDescriptor
	}
	return false
}

// FromSyscall maps a POSIX errno to its kind. Unknown values map to ErrIO.
func FromSyscall(errno syscall.Errno) Errno {
	switch errno {
	case 0:
		return 0
	case syscall.ENOENT:
		return ErrNotFound
	case syscall.EEXIST:
		return ErrAlreadyExists
	case syscall.ENOTDIR:
		return ErrNotADirectory
	case syscall.EISDIR:
		return ErrIsADirectory
	case syscall.ENOTEMPTY:
		return ErrNotEmpty
	case syscall.EACCES, syscall.EPERM:
		return ErrPermissionDenied
	case syscall.EXDEV:
		return ErrCrossDevice
	case syscall.ELOOP:
		return ErrSymlinkLoop
	case syscall.ENOTSUP, syscall.ENOSYS:
		return ErrNotSupported
	case syscall.ESTALE:
		return ErrStaleInode
	case syscall.EBUSY:
		return ErrBusy
	case syscall.EINVAL:
		return ErrInvalid
	case syscall.EBADF:
		return ErrBadDescriptor
	case syscall.EROFS:
		return ErrReadOnly
	case syscall.ETIMEDOUT:
		return ErrTimedOut
	case syscall.ECANCELED:
		return ErrCanceled
	case syscall.ENAMETOOLONG:
		return ErrNameTooLong
	case syscall.ENOSPC:
		return ErrNoSpace
	}
	return ErrIO
}

// ErrnoOf returns the kind of err. A nil error returns 0.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		return FromSyscall(se)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return ErrTimedOut
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrExist):
		return ErrAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, fs.ErrInvalid):
		return ErrInvalid
	case errors.Is(err, fs.ErrClosed):
		return ErrBadDescriptor
	}
	return ErrIO
}

// kindError keeps a backend's error text while reporting its kind to
// errors.Is and errors.As.
type kindError struct {
	kind Errno
	err  error
}

func (e *kindError) Error() string   { return e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Classify returns err unchanged when it already carries an Errno and
// otherwise wraps it with the kind ErrnoOf derives for it.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e Errno
	if errors.As(err, &e) {
		return err
	}
	return &kindError{kind: ErrnoOf(err), err: err}
}

func pathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: path, Err: Classify(err)}
}

func linkError(op, oldpath, newpath string, err error) error {
	if err == nil {
		return nil
	}
	return &os.LinkError{Op: op, Old: oldpath, New: newpath, Err: Classify(err)}
}

// ctxErrno maps a context error to its kind.
func ctxErrno(err error) Errno {
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	return ErrTimedOut
}
