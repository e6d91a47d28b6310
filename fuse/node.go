//go:build linux || darwin

package fuse

import (
	"context"
	"io/fs"
	"log/slog"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/absfs/sandboxfs"
)

// renameNoReplace is RENAME_NOREPLACE as the kernel sends it.
const renameNoReplace = 0x1

type filesystem struct {
	vfs    *sandboxfs.VFS
	logger *slog.Logger
}

// node is one VFS inode as seen by the kernel. It holds no state of
// its own: every request resolves the node's current path in the VFS.
type node struct {
	gofuse.Inode
	fs *filesystem
}

var (
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeSetattrer  = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeMkdirer    = (*node)(nil)
	_ gofuse.NodeMknoder    = (*node)(nil)
	_ gofuse.NodeRmdirer    = (*node)(nil)
	_ gofuse.NodeUnlinker   = (*node)(nil)
	_ gofuse.NodeRenamer    = (*node)(nil)
	_ gofuse.NodeSymlinker  = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
	_ gofuse.NodeLinker     = (*node)(nil)
	_ gofuse.NodeCreater    = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
)

func pathOf(in *gofuse.Inode) string {
	return "/" + in.Path(nil)
}

func (n *node) path() string { return pathOf(&n.Inode) }

func (n *node) child(name string) string {
	p := n.path()
	if p == "/" {
		return p + name
	}
	return p + "/" + name
}

// errno maps a VFS error to the errno the kernel expects.
func errno(err error) syscall.Errno {
	if err == nil {
		return gofuse.OK
	}
	return sandboxfs.ErrnoOf(err).Syscall()
}

// newChild builds the inode for a freshly looked-up or created entry.
// The VFS inode number doubles as the kernel inode number, so hard
// links share one kernel inode.
func (n *node) newChild(ctx context.Context, st sandboxfs.Filestat, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(st, &out.Attr)
	return n.NewInode(ctx, &node{fs: n.fs}, gofuse.StableAttr{
		Mode: posixType(st.Type),
		Ino:  uint64(st.Ino),
	})
}

// entry stats the child name after a successful create.
func (n *node) entry(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	st, err := n.fs.vfs.PathFilestatGet(ctx, sandboxfs.AtCWD, n.child(name), false)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, st, out), gofuse.OK
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return n.entry(ctx, name, out)
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := f.(*handle); ok {
		return h.Getattr(ctx, out)
	}
	st, err := n.fs.vfs.PathFilestatGet(ctx, sandboxfs.AtCWD, n.path(), false)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, &out.Attr)
	return gofuse.OK
}

// Setattr applies mode, owner, size and times in that order and stops
// at the first failure.
func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	v := n.fs.vfs
	p := n.path()

	if mode, ok := in.GetMode(); ok {
		if err := v.PathChmod(ctx, sandboxfs.AtCWD, p, permFromPosix(mode)); err != nil {
			return errno(err)
		}
	}

	uid, gid := -1, -1
	if id, ok := in.GetUID(); ok {
		uid = int(id)
	}
	if id, ok := in.GetGID(); ok {
		gid = int(id)
	}
	if uid >= 0 || gid >= 0 {
		if err := v.PathChown(ctx, sandboxfs.AtCWD, p, uid, gid, false); err != nil {
			return errno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := n.truncate(ctx, f, int64(size)); err != nil {
			return errno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		var ap, mp = &atime, &mtime
		if !aok {
			ap = nil
		}
		if !mok {
			mp = nil
		}
		if err := v.PathFilestatSetTimes(ctx, sandboxfs.AtCWD, p, ap, mp, false); err != nil {
			return errno(err)
		}
	}

	return n.Getattr(ctx, f, out)
}

func (n *node) truncate(ctx context.Context, f gofuse.FileHandle, size int64) error {
	v := n.fs.vfs
	if h, ok := f.(*handle); ok {
		return v.FdFilestatSetSize(ctx, h.fd, size)
	}
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, n.path(), sandboxfs.OpenWrite, 0)
	if err != nil {
		return err
	}
	err = v.FdFilestatSetSize(ctx, fd, size)
	if cerr := v.FdClose(ctx, fd); err == nil {
		err = cerr
	}
	return err
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	v := n.fs.vfs
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, n.path(), sandboxfs.OpenRead|sandboxfs.OpenDirectory, 0)
	if err != nil {
		return nil, errno(err)
	}
	defer v.FdClose(ctx, fd)

	var entries []fuse.DirEntry
	var cookie uint64
	for {
		batch, err := v.FdReaddir(ctx, fd, cookie, 0)
		if err != nil {
			return nil, errno(err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			cookie = e.Next
			if e.Name == "." || e.Name == ".." {
				continue
			}
			entries = append(entries, fuse.DirEntry{
				Name: e.Name,
				Ino:  uint64(e.Ino),
				Mode: posixType(e.Type),
			})
		}
	}
	return gofuse.NewListDirStream(entries), gofuse.OK
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if err := n.fs.vfs.PathCreateDirectory(ctx, sandboxfs.AtCWD, n.child(name), permFromPosix(mode)); err != nil {
		return nil, errno(err)
	}
	return n.entry(ctx, name, out)
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	v := n.fs.vfs
	p := n.child(name)
	typ := typeFromPosix(mode)
	if typ == sandboxfs.TypeRegular {
		fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, p, sandboxfs.OpenWrite|sandboxfs.OpenCreate|sandboxfs.OpenExclusive, permFromPosix(mode))
		if err != nil {
			return nil, errno(err)
		}
		if err := v.FdClose(ctx, fd); err != nil {
			return nil, errno(err)
		}
	} else if err := v.PathMknod(ctx, sandboxfs.AtCWD, p, typ, permFromPosix(mode), uint64(dev)); err != nil {
		return nil, errno(err)
	}
	return n.entry(ctx, name, out)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.fs.vfs.PathRemoveDirectory(ctx, sandboxfs.AtCWD, n.child(name)))
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fs.vfs.PathUnlinkFile(ctx, sandboxfs.AtCWD, n.child(name)))
}

// Rename supports RENAME_NOREPLACE by checking the destination first;
// a name created between the check and the rename is replaced.
func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	v := n.fs.vfs
	dst := pathOf(newParent.EmbeddedInode())
	if dst == "/" {
		dst += newName
	} else {
		dst += "/" + newName
	}

	switch flags {
	case 0:
	case renameNoReplace:
		_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, dst, false)
		switch sandboxfs.ErrnoOf(err) {
		case sandboxfs.ErrNotFound:
		case 0:
			return syscall.EEXIST
		default:
			return errno(err)
		}
	default:
		return syscall.EINVAL
	}
	return errno(v.PathRename(ctx, sandboxfs.AtCWD, n.child(name), sandboxfs.AtCWD, dst))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if err := n.fs.vfs.PathSymlink(ctx, target, sandboxfs.AtCWD, n.child(name)); err != nil {
		return nil, errno(err)
	}
	return n.entry(ctx, name, out)
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.vfs.PathReadlink(ctx, sandboxfs.AtCWD, n.path())
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), gofuse.OK
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	old := pathOf(target.EmbeddedInode())
	if err := n.fs.vfs.PathLink(ctx, sandboxfs.AtCWD, old, sandboxfs.AtCWD, n.child(name), false); err != nil {
		return nil, errno(err)
	}
	return n.entry(ctx, name, out)
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	v := n.fs.vfs
	oflags := sandboxfs.FromOSFlags(int(flags)) | sandboxfs.OpenCreate
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, n.child(name), oflags, permFromPosix(mode))
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	st, err := v.FdFilestatGet(ctx, fd)
	if err != nil {
		v.FdClose(ctx, fd)
		return nil, nil, 0, errno(err)
	}
	return n.newChild(ctx, st, out), &handle{vfs: v, fd: fd}, 0, gofuse.OK
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	v := n.fs.vfs
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, n.path(), sandboxfs.FromOSFlags(int(flags)), 0)
	if err != nil {
		return nil, 0, errno(err)
	}
	n.fs.logger.Debug("fuse open", "path", n.path(), "fd", fd)
	return &handle{vfs: v, fd: fd}, 0, gofuse.OK
}

// handle is an open VFS descriptor. The kernel passes explicit offsets,
// so only the positional descriptor operations are used.
type handle struct {
	vfs *sandboxfs.VFS
	fd  sandboxfs.FD
}

var (
	_ gofuse.FileReader    = (*handle)(nil)
	_ gofuse.FileWriter    = (*handle)(nil)
	_ gofuse.FileGetattrer = (*handle)(nil)
	_ gofuse.FileFsyncer   = (*handle)(nil)
	_ gofuse.FileFlusher   = (*handle)(nil)
	_ gofuse.FileReleaser  = (*handle)(nil)
)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.vfs.FdPread(ctx, h.fd, dest, off)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), gofuse.OK
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.vfs.FdPwrite(ctx, h.fd, data, off)
	return uint32(n), errno(err)
}

func (h *handle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := h.vfs.FdFilestatGet(ctx, h.fd)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, &out.Attr)
	return gofuse.OK
}

func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno(h.vfs.FdSync(ctx, h.fd))
}

// Flush is called on every close of a duplicated kernel descriptor;
// the VFS descriptor stays open until Release.
func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return gofuse.OK
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return errno(h.vfs.FdClose(context.WithoutCancel(ctx), h.fd))
}

// posixType returns the S_IFMT bits of t.
func posixType(t sandboxfs.FileType) uint32 {
	switch t {
	case sandboxfs.TypeDirectory:
		return syscall.S_IFDIR
	case sandboxfs.TypeSymlink:
		return syscall.S_IFLNK
	case sandboxfs.TypeCharDevice:
		return syscall.S_IFCHR
	case sandboxfs.TypeBlockDevice:
		return syscall.S_IFBLK
	case sandboxfs.TypeFifo:
		return syscall.S_IFIFO
	case sandboxfs.TypeSocket:
		return syscall.S_IFSOCK
	default:
		return syscall.S_IFREG
	}
}

func typeFromPosix(mode uint32) sandboxfs.FileType {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return sandboxfs.TypeDirectory
	case syscall.S_IFLNK:
		return sandboxfs.TypeSymlink
	case syscall.S_IFCHR:
		return sandboxfs.TypeCharDevice
	case syscall.S_IFBLK:
		return sandboxfs.TypeBlockDevice
	case syscall.S_IFIFO:
		return sandboxfs.TypeFifo
	case syscall.S_IFSOCK:
		return sandboxfs.TypeSocket
	default:
		return sandboxfs.TypeRegular
	}
}

func permFromPosix(mode uint32) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	if mode&syscall.S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if mode&syscall.S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if mode&syscall.S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m
}

func posixMode(st sandboxfs.Filestat) uint32 {
	m := posixType(st.Type) | uint32(st.Mode.Perm())
	if st.Mode&fs.ModeSetuid != 0 {
		m |= syscall.S_ISUID
	}
	if st.Mode&fs.ModeSetgid != 0 {
		m |= syscall.S_ISGID
	}
	if st.Mode&fs.ModeSticky != 0 {
		m |= syscall.S_ISVTX
	}
	return m
}

func fillAttr(st sandboxfs.Filestat, out *fuse.Attr) {
	out.Ino = uint64(st.Ino)
	out.Size = uint64(st.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Mode = posixMode(st)
	out.Nlink = st.Nlink
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
}
