package sandboxfs

import (
	"context"
	"io/fs"
	"time"
)

// Filestat is the stat result of a node as seen through the VFS. Ino is
// the VFS inode number, not the backend's.
type Filestat struct {
	Dev   uint64
	Ino   InodeID
	Type  FileType
	Mode  fs.FileMode
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Size  int64
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// FileMode combines the type and permission bits in io/fs form.
func (s Filestat) FileMode() fs.FileMode {
	return s.Type.ModeType() | s.Mode
}

// stat refreshes n from its backend and returns the result.
func (v *VFS) stat(ctx context.Context, n node) (Filestat, error) {
	bctx, cancel := backendContext(ctx, n.m)
	attr, err := n.m.Backend.Getattr(bctx, n.h)
	cancel()
	if err != nil {
		return Filestat{}, err
	}
	if err := v.inodes.Refresh(n.id, attr); err != nil {
		return Filestat{}, err
	}
	if attr.Type == TypeDirectory {
		v.dentries.Validate(n.id, attr.Gen)
	}
	return v.filestat(n, attr), nil
}

func (v *VFS) filestat(n node, attr Attr) Filestat {
	return Filestat{
		Dev:   n.m.Device,
		Ino:   n.id,
		Type:  attr.Type,
		Mode:  attr.Mode & PermMask,
		Uid:   attr.Uid,
		Gid:   attr.Gid,
		Nlink: attr.Nlink,
		Size:  attr.Size,
		Rdev:  attr.Rdev,
		Atime: attr.Atime,
		Mtime: attr.Mtime,
		Ctime: attr.Ctime,
	}
}

// fileInfo adapts a Filestat to fs.FileInfo.
type fileInfo struct {
	name string
	st   Filestat
}

// NewFileInfo returns st as an fs.FileInfo named name. Sys returns the
// Filestat.
func NewFileInfo(name string, st Filestat) fs.FileInfo {
	return &fileInfo{name: name, st: st}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.st.Size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.st.FileMode() }
func (fi *fileInfo) ModTime() time.Time { return fi.st.Mtime }
func (fi *fileInfo) IsDir() bool        { return fi.st.Type == TypeDirectory }
func (fi *fileInfo) Sys() any           { return fi.st }
