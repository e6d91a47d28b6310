package sandboxfs

import "strings"

// Support says how a backend provides a POSIX guarantee.
type Support uint8

const (
	// Unsupported operations fail with ErrNotSupported.
	Unsupported Support = iota
	// Emulated operations work but weaken the guarantee, for example a
	// rename implemented as copy then delete.
	Emulated
	// Native operations carry full POSIX semantics.
	Native
)

func (s Support) String() string {
	switch s {
	case Native:
		return "native"
	case Emulated:
		return "emulated"
	default:
		return "unsupported"
	}
}

// Available reports whether the operation can be attempted at all.
func (s Support) Available() bool { return s != Unsupported }

// Capabilities is the static declaration a Backend makes about itself.
// The VFS reads it once at mount time and consults the cached copy
// before dispatching any operation that depends on it.
type Capabilities struct {
	AtomicRename     Support
	Hardlinks        Support
	Symlinks         Support
	PosixPermissions Support
	Xattrs           Support
	FileLocks        Support
	CaseSensitive    Support
	SparseFiles      Support
	DeviceNodes      Support
	ReadOnly         bool
}

// AllNative is the capability set of a fully POSIX backend.
func AllNative() Capabilities {
	return Capabilities{
		AtomicRename:     Native,
		Hardlinks:        Native,
		Symlinks:         Native,
		PosixPermissions: Native,
		Xattrs:           Native,
		FileLocks:        Native,
		CaseSensitive:    Native,
		SparseFiles:      Native,
		DeviceNodes:      Native,
	}
}

func (c Capabilities) String() string {
	var b strings.Builder
	field := func(name string, s Support) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(s.String())
	}
	field("atomic_rename", c.AtomicRename)
	field("hardlinks", c.Hardlinks)
	field("symlinks", c.Symlinks)
	field("posix_permissions", c.PosixPermissions)
	field("xattrs", c.Xattrs)
	field("file_locks", c.FileLocks)
	field("case_sensitive", c.CaseSensitive)
	field("sparse_files", c.SparseFiles)
	field("device_nodes", c.DeviceNodes)
	if c.ReadOnly {
		b.WriteString(" read_only")
	}
	return b.String()
}
