package sandboxfs

import (
	"context"
	"io/fs"
	"time"
)

// FdRead reads from fd's offset and advances it. It returns 0 and a nil
// error at end of file.
func (v *VFS) FdRead(ctx context.Context, fd FD, p []byte) (int, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.get(fd)
	if err != nil {
		return 0, err
	}
	return v.descs.ReadAtCursor(ctx, id, p)
}

// FdPread reads at off without moving fd's offset.
func (v *VFS) FdPread(ctx context.Context, fd FD, p []byte, off int64) (int, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.get(fd)
	if err != nil {
		return 0, err
	}
	return v.descs.ReadAt(ctx, id, p, off)
}

// FdWrite writes at fd's offset, or at end of file for append
// descriptors, and advances it.
func (v *VFS) FdWrite(ctx context.Context, fd FD, p []byte) (int, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.get(fd)
	if err != nil {
		return 0, err
	}
	return v.descs.WriteAtCursor(ctx, id, p)
}

// FdPwrite writes at off without moving fd's offset.
func (v *VFS) FdPwrite(ctx context.Context, fd FD, p []byte, off int64) (int, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.get(fd)
	if err != nil {
		return 0, err
	}
	return v.descs.WriteAt(ctx, id, p, off)
}

// FdSeek moves fd's offset. whence is io.SeekStart, io.SeekCurrent or
// io.SeekEnd.
func (v *VFS) FdSeek(ctx context.Context, fd FD, offset int64, whence int) (int64, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.get(fd)
	if err != nil {
		return 0, err
	}
	return v.descs.Seek(ctx, id, offset, whence)
}

// FdTell returns fd's offset.
func (v *VFS) FdTell(fd FD) (int64, error) {
	id, err := v.fds.get(fd)
	if err != nil {
		return 0, err
	}
	return v.descs.Tell(id)
}

// FdClose closes fd. The description is released once no descriptor
// references it.
func (v *VFS) FdClose(ctx context.Context, fd FD) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.remove(fd)
	if err != nil {
		return err
	}
	return v.descs.Close(ctx, id)
}

// FdDup returns a new descriptor sharing fd's description.
func (v *VFS) FdDup(fd FD) (FD, error) {
	id, err := v.fds.get(fd)
	if err != nil {
		return -1, err
	}
	if _, err := v.descs.Dup(id); err != nil {
		return -1, err
	}
	return v.fds.insert(id), nil
}

// FdRenumber moves from onto to, closing whatever to referred to.
func (v *VFS) FdRenumber(ctx context.Context, from, to FD) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	if from == to {
		_, err := v.fds.get(from)
		return err
	}
	if to < 0 {
		return ErrBadDescriptor
	}
	_, old, had, err := v.fds.replace(from, to)
	if err != nil {
		return err
	}
	if had {
		return v.descs.Close(ctx, old)
	}
	return nil
}

// FdFilestatGet stats the node behind fd.
func (v *VFS) FdFilestatGet(ctx context.Context, fd FD) (Filestat, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return Filestat{}, err
	}
	return v.stat(ctx, d.node())
}

// FdFilestatSetTimes sets the times of the node behind fd.
func (v *VFS) FdFilestatSetTimes(ctx context.Context, fd FD, atime, mtime *time.Time) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return err
	}
	return v.setattr(ctx, d.node(), SetAttr{Atime: atime, Mtime: mtime})
}

// FdChmod changes the permission bits of the node behind fd.
func (v *VFS) FdChmod(ctx context.Context, fd FD, mode fs.FileMode) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return err
	}
	mode &= PermMask
	return v.setattr(ctx, d.node(), SetAttr{Mode: &mode})
}

// FdChown changes the ownership of the node behind fd.
func (v *VFS) FdChown(ctx context.Context, fd FD, uid, gid int) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return err
	}
	return v.setattr(ctx, d.node(), ownerAttr(uid, gid))
}

// FdFilestatSetSize truncates or extends the file behind fd.
func (v *VFS) FdFilestatSetSize(ctx context.Context, fd FD, size int64) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	id, err := v.fds.get(fd)
	if err != nil {
		return err
	}
	return v.descs.Truncate(ctx, id, size)
}

// FdSync flushes the node behind fd to stable storage.
func (v *VFS) FdSync(ctx context.Context, fd FD) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return err
	}
	if d.flags&openPathOnly != 0 {
		return ErrBadDescriptor
	}
	ctx, bcancel := backendContext(ctx, d.mount)
	defer bcancel()
	return d.mount.Backend.Sync(ctx, d.handle)
}

// FdPath returns the path fd was opened by.
func (v *VFS) FdPath(fd FD) (string, error) {
	d, err := v.descFor(fd)
	if err != nil {
		return "", err
	}
	return d.path, nil
}

// FdGetXattr reads an extended attribute of the node behind fd.
func (v *VFS) FdGetXattr(ctx context.Context, fd FD, name string) ([]byte, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return nil, err
	}
	if !d.mount.Caps.Xattrs.Available() {
		return nil, ErrNotSupported
	}
	return d.mount.Backend.GetXattr(ctx, d.handle, name)
}

// FdSetXattr writes an extended attribute of the node behind fd.
func (v *VFS) FdSetXattr(ctx context.Context, fd FD, name string, value []byte) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return err
	}
	if !d.mount.Caps.Xattrs.Available() {
		return ErrNotSupported
	}
	if err := d.mount.writable(); err != nil {
		return err
	}
	return d.mount.Backend.SetXattr(ctx, d.handle, name, value)
}

// FdListXattr lists the extended attribute names of the node behind fd.
func (v *VFS) FdListXattr(ctx context.Context, fd FD) ([]string, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return nil, err
	}
	if !d.mount.Caps.Xattrs.Available() {
		return nil, ErrNotSupported
	}
	return d.mount.Backend.ListXattr(ctx, d.handle)
}

// FdRemoveXattr deletes an extended attribute of the node behind fd.
func (v *VFS) FdRemoveXattr(ctx context.Context, fd FD, name string) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return err
	}
	if !d.mount.Caps.Xattrs.Available() {
		return ErrNotSupported
	}
	if err := d.mount.writable(); err != nil {
		return err
	}
	return d.mount.Backend.RemoveXattr(ctx, d.handle, name)
}
