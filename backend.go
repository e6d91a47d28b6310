package sandboxfs

import (
	"context"
	"io/fs"
	"time"
)

// Handle is a backend-local node identity. It is opaque to the VFS and
// only meaningful to the Backend that returned it. Zero is never a
// valid handle.
type Handle uint64

// FileType is the kind of a node.
type FileType uint8

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFifo
	TypeSocket
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeCharDevice:
		return "char-device"
	case TypeBlockDevice:
		return "block-device"
	case TypeFifo:
		return "fifo"
	case TypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// ModeType returns the fs.FileMode type bits for t.
func (t FileType) ModeType() fs.FileMode {
	switch t {
	case TypeDirectory:
		return fs.ModeDir
	case TypeSymlink:
		return fs.ModeSymlink
	case TypeCharDevice:
		return fs.ModeDevice | fs.ModeCharDevice
	case TypeBlockDevice:
		return fs.ModeDevice
	case TypeFifo:
		return fs.ModeNamedPipe
	case TypeSocket:
		return fs.ModeSocket
	default:
		return 0
	}
}

// FileTypeOf extracts the node kind from an fs.FileMode.
func FileTypeOf(m fs.FileMode) FileType {
	switch {
	case m&fs.ModeDir != 0:
		return TypeDirectory
	case m&fs.ModeSymlink != 0:
		return TypeSymlink
	case m&fs.ModeCharDevice != 0:
		return TypeCharDevice
	case m&fs.ModeDevice != 0:
		return TypeBlockDevice
	case m&fs.ModeNamedPipe != 0:
		return TypeFifo
	case m&fs.ModeSocket != 0:
		return TypeSocket
	default:
		return TypeRegular
	}
}

// PermMask selects the permission bits plus setuid, setgid and sticky.
const PermMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Attr is the metadata a Backend reports for a node.
type Attr struct {
	// Ino is the backend's own serial number for the node.
	Ino   uint64
	Type  FileType
	Mode  fs.FileMode // PermMask bits only
	Uid   uint32
	Gid   uint32
	Size  int64
	Nlink uint32
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	// Gen changes whenever the entries of a directory change. The
	// dentry cache uses it to notice mutations made behind its back.
	Gen uint64
}

// SetAttr selects the metadata fields to change. Nil fields are left
// alone.
type SetAttr struct {
	Mode  *fs.FileMode
	Uid   *uint32
	Gid   *uint32
	Atime *time.Time
	Mtime *time.Time
}

// Empty reports whether no field is set.
func (s SetAttr) Empty() bool {
	return s.Mode == nil && s.Uid == nil && s.Gid == nil && s.Atime == nil && s.Mtime == nil
}

// Apply writes the selected fields into a, stamping ctime with now.
func (s SetAttr) Apply(a *Attr, now time.Time) {
	if s.Mode != nil {
		a.Mode = *s.Mode & PermMask
	}
	if s.Uid != nil {
		a.Uid = *s.Uid
	}
	if s.Gid != nil {
		a.Gid = *s.Gid
	}
	if s.Atime != nil {
		a.Atime = *s.Atime
	}
	if s.Mtime != nil {
		a.Mtime = *s.Mtime
	}
	a.Ctime = now
}

// NodeSpec describes a node to create.
type NodeSpec struct {
	Type FileType
	Mode fs.FileMode
	Uid  uint32
	Gid  uint32
	Rdev uint64
}

// DirEntry is one name returned by Backend.ReadDir.
type DirEntry struct {
	Name string
	Type FileType
	Ino  uint64
	// Handle is the child's handle when the backend knows it without
	// an extra lookup; zero otherwise.
	Handle Handle
}

// RenameFlags modify Backend.Rename.
type RenameFlags uint8

const (
	// RenameNoReplace fails with ErrAlreadyExists instead of replacing
	// an existing destination.
	RenameNoReplace RenameFlags = 1 << iota
)

// OpenFlags are the flags of one open call.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenAppend
	OpenCreate
	OpenExclusive
	OpenTruncate
	OpenDirectory
	OpenNoFollow
	OpenNonblock
	openPathOnly
)

// Writable reports whether the flags request write access.
func (f OpenFlags) Writable() bool { return f&(OpenWrite|OpenAppend|OpenTruncate) != 0 }

// Readable reports whether the flags request read access.
func (f OpenFlags) Readable() bool { return f&OpenRead != 0 }

// Backend wraps one storage provider behind handle-based operations.
//
// Every method must be safe for concurrent use. Names are single path
// components; Lookup additionally accepts "..", which returns the
// parent of a directory (the root is its own parent). Errors should
// carry an Errno, directly or through ErrnoOf-compatible wrapping.
//
// A node whose link count drops to zero must stay readable and
// writable through its handle while it is pinned by Open and until
// the matching Release. Forget tells the backend that the VFS holds no
// further reference to the handle.
type Backend interface {
	Capabilities() Capabilities
	Root() Handle

	Lookup(ctx context.Context, dir Handle, name string) (Handle, error)
	Getattr(ctx context.Context, h Handle) (Attr, error)
	Setattr(ctx context.Context, h Handle, set SetAttr) (Attr, error)

	Create(ctx context.Context, dir Handle, name string, spec NodeSpec) (Handle, error)
	Mkdir(ctx context.Context, dir Handle, name string, spec NodeSpec) (Handle, error)
	Symlink(ctx context.Context, dir Handle, name, target string, spec NodeSpec) (Handle, error)
	Readlink(ctx context.Context, h Handle) (string, error)
	Link(ctx context.Context, h Handle, dir Handle, name string) error
	Unlink(ctx context.Context, dir Handle, name string) error
	Rmdir(ctx context.Context, dir Handle, name string) error
	Rename(ctx context.Context, srcDir Handle, srcName string, dstDir Handle, dstName string, flags RenameFlags) error

	// ReadDir returns up to max entries whose names sort strictly after
	// the cursor name, in byte order. An empty result means the end of
	// the directory. "." and ".." are never returned.
	ReadDir(ctx context.Context, dir Handle, after string, max int) ([]DirEntry, error)

	Open(ctx context.Context, h Handle, flags OpenFlags) error
	Release(ctx context.Context, h Handle) error
	// Read returns 0, io.EOF at or past the end of the file.
	Read(ctx context.Context, h Handle, p []byte, off int64) (int, error)
	Write(ctx context.Context, h Handle, p []byte, off int64) (int, error)
	Truncate(ctx context.Context, h Handle, size int64) error
	Sync(ctx context.Context, h Handle) error

	GetXattr(ctx context.Context, h Handle, name string) ([]byte, error)
	SetXattr(ctx context.Context, h Handle, name string, value []byte) error
	ListXattr(ctx context.Context, h Handle) ([]string, error)
	RemoveXattr(ctx context.Context, h Handle, name string) error

	Forget(h Handle)
}

// Closer is implemented by backends that hold resources beyond the
// VFS lifetime, such as connection pools.
type Closer interface {
	Close() error
}

// ValidName reports whether name is usable as a single path component.
func ValidName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return ErrInvalid
	case len(name) > MaxNameLen:
		return ErrNameTooLong
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return ErrInvalid
		}
	}
	return nil
}

// MaxNameLen bounds a single path component, as NAME_MAX does.
const MaxNameLen = 255
