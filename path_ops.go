package sandboxfs

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/absfs/sandboxfs/internal/logging"
)

// PathOpen opens p relative to dirfd and returns a new descriptor.
//
// A missing final component is created when OpenCreate is set, even
// through a dangling symlink. OpenNoFollow on a symlink opens the link
// itself as a path-only descriptor usable for stat and *at calls.
func (v *VFS) PathOpen(ctx context.Context, dirfd FD, p string, flags OpenFlags, perm fs.FileMode) (FD, error) {
	const op = "open"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	if flags&(OpenRead|OpenWrite|OpenAppend) == 0 {
		flags |= OpenRead
	}
	if flags&OpenTruncate != 0 && flags&(OpenWrite|OpenAppend) == 0 {
		return -1, pathError(op, p, ErrInvalid)
	}

	var fd FD
	err := v.retryStale(ctx, dirfd, p, func() error {
		var err error
		fd, err = v.openAt(ctx, dirfd, p, flags, perm)
		return err
	})
	if err != nil {
		return -1, pathError(op, p, err)
	}
	return fd, nil
}

func (v *VFS) openAt(ctx context.Context, dirfd FD, p string, flags OpenFlags, perm fs.FileMode) (FD, error) {
	n, created, err := v.openNode(ctx, dirfd, p, flags, perm)
	if err != nil {
		return -1, err
	}

	switch {
	case n.typ == TypeSymlink:
		flags = openPathOnly | flags&OpenNoFollow
	case flags&OpenDirectory != 0 && !n.isDir():
		return -1, ErrNotADirectory
	case n.isDir() && flags.Writable():
		return -1, ErrIsADirectory
	}

	if flags.Writable() {
		if err := n.m.writable(); err != nil {
			return -1, err
		}
	}
	if !created && flags&openPathOnly == 0 {
		var want uint32
		if flags.Readable() {
			want |= accessRead
		}
		if flags.Writable() {
			want |= accessWrite
		}
		if err := v.checkAccess(n, want); err != nil {
			return -1, err
		}
	}

	d, err := v.descs.Open(ctx, n.id, flags, p)
	if err != nil {
		return -1, err
	}
	if flags&OpenTruncate != 0 && !created && n.typ == TypeRegular {
		if err := v.descs.Truncate(ctx, d.id, 0); err != nil {
			v.descs.Close(ctx, d.id)
			return -1, err
		}
	}
	fd := v.fds.insert(d.id)

	logging.GetLoggerFromContextWithOp(ctx, "sandboxfs.VFS.PathOpen").Debug("opened",
		"path", p,
		"fd", fd,
		"ino", n.id,
		"created", created,
	)
	return fd, nil
}

func (v *VFS) openNode(ctx context.Context, dirfd FD, p string, flags OpenFlags, perm fs.FileMode) (node, bool, error) {
	var rflags ResolveFlags
	if flags&OpenNoFollow == 0 {
		rflags |= FollowFinal
	}
	if flags&OpenDirectory != 0 {
		rflags |= MustBeDir
	}
	if flags&OpenCreate == 0 {
		n, err := v.resolve(ctx, dirfd, p, rflags)
		return n, false, err
	}

	start, err := v.startNode(dirfd, p)
	if err != nil {
		return node{}, false, err
	}
	raced := false
	for hops := 0; ; {
		dir, name, trailing, err := v.resolveParent(ctx, start, p)
		if ErrnoOf(err) == ErrInvalid {
			// "/" or a final "." or "..": there is nothing to create.
			n, rerr := v.resolveFrom(ctx, start, p, rflags)
			if rerr == nil && flags&OpenExclusive != 0 {
				return node{}, false, ErrAlreadyExists
			}
			return n, false, rerr
		}
		if err != nil {
			return node{}, false, err
		}
		if trailing {
			return node{}, false, ErrIsADirectory
		}

		unlock := v.locks.lock(dir.id)
		if m := v.mounts.Covering(dir.id, name); m != nil {
			unlock()
			if flags&OpenExclusive != 0 {
				return node{}, false, ErrAlreadyExists
			}
			return node{id: m.root, m: m, h: m.Backend.Root(), typ: TypeDirectory}, false, nil
		}
		child, err := v.lookupLocked(ctx, dir, name)
		switch {
		case err == nil:
			unlock()
			if flags&OpenExclusive != 0 {
				return node{}, false, ErrAlreadyExists
			}
			if child.typ != TypeSymlink || flags&OpenNoFollow != 0 {
				return child, false, nil
			}
			hops++
			if hops > v.maxSymlinks {
				return node{}, false, ErrSymlinkLoop
			}
			target, err := child.m.Backend.Readlink(ctx, child.h)
			if err != nil {
				return node{}, false, err
			}
			if target == "" {
				return node{}, false, ErrNotFound
			}
			start, p = dir, target
			continue
		case ErrnoOf(err) != ErrNotFound:
			unlock()
			return node{}, false, err
		}

		n, err := v.createLocked(ctx, dir, name, perm)
		unlock()
		if ErrnoOf(err) == ErrAlreadyExists && flags&OpenExclusive == 0 && !raced {
			// Created behind our back; open what is there now.
			raced = true
			v.dentries.Invalidate(dir.id, name)
			continue
		}
		return n, err == nil, err
	}
}

func (v *VFS) createLocked(ctx context.Context, dir node, name string, perm fs.FileMode) (node, error) {
	if err := dir.m.writable(); err != nil {
		return node{}, err
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return node{}, err
	}
	ctx, cancel := backendContext(ctx, dir.m)
	defer cancel()

	h, err := dir.m.Backend.Create(ctx, dir.h, name, v.newSpec(dir, TypeRegular, perm))
	if err != nil {
		return node{}, err
	}
	return v.internCreated(ctx, dir, name, h)
}

// internCreated registers a node a backend just created under dir.
func (v *VFS) internCreated(ctx context.Context, dir node, name string, h Handle) (node, error) {
	attr, err := dir.m.Backend.Getattr(ctx, h)
	if err != nil {
		return node{}, err
	}
	id, err := v.inodes.Intern(dir.m.ID, h, dir.m.Device, attr)
	if err != nil {
		return node{}, err
	}
	if attr.Type == TypeDirectory {
		v.inodes.SetParent(id, dir.id, name)
	}
	v.dentries.Invalidate(dir.id, name)
	v.dentries.PutPositive(dir.id, name, id)
	return node{id: id, m: dir.m, h: h, typ: attr.Type}, nil
}

// PathCreateDirectory creates a directory at p.
func (v *VFS) PathCreateDirectory(ctx context.Context, dirfd FD, p string, perm fs.FileMode) error {
	const op = "mkdir"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	dir, name, _, err := v.resolveParentAt(ctx, dirfd, p)
	if err != nil {
		if ErrnoOf(err) == ErrInvalid && isRootPath(p) {
			err = ErrAlreadyExists
		}
		return pathError(op, p, err)
	}
	if err := dir.m.writable(); err != nil {
		return pathError(op, p, err)
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return pathError(op, p, err)
	}

	unlock := v.locks.lock(dir.id)
	defer unlock()

	if v.mounts.Covering(dir.id, name) != nil {
		return pathError(op, p, ErrAlreadyExists)
	}
	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()
	h, err := dir.m.Backend.Mkdir(bctx, dir.h, name, v.newSpec(dir, TypeDirectory, perm))
	if err != nil {
		v.dentries.Invalidate(dir.id, name)
		return pathError(op, p, err)
	}
	if _, err := v.internCreated(bctx, dir, name, h); err != nil {
		return pathError(op, p, err)
	}
	return nil
}

// PathMknod creates a special file at p. typ is a device, fifo or
// socket type; rdev is only meaningful for devices. Device nodes need
// the DeviceNodes capability.
func (v *VFS) PathMknod(ctx context.Context, dirfd FD, p string, typ FileType, perm fs.FileMode, rdev uint64) error {
	const op = "mknod"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	switch typ {
	case TypeFifo, TypeSocket:
		rdev = 0
	case TypeCharDevice, TypeBlockDevice:
	default:
		return pathError(op, p, ErrInvalid)
	}

	dir, name, _, err := v.resolveParentAt(ctx, dirfd, p)
	if err != nil {
		if ErrnoOf(err) == ErrInvalid && isRootPath(p) {
			err = ErrAlreadyExists
		}
		return pathError(op, p, err)
	}
	if (typ == TypeCharDevice || typ == TypeBlockDevice) && !dir.m.Caps.DeviceNodes.Available() {
		return pathError(op, p, ErrNotSupported)
	}
	if err := dir.m.writable(); err != nil {
		return pathError(op, p, err)
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return pathError(op, p, err)
	}

	unlock := v.locks.lock(dir.id)
	defer unlock()

	if v.mounts.Covering(dir.id, name) != nil {
		return pathError(op, p, ErrAlreadyExists)
	}
	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()
	spec := v.newSpec(dir, typ, perm)
	spec.Rdev = rdev
	h, err := dir.m.Backend.Create(bctx, dir.h, name, spec)
	if err != nil {
		v.dentries.Invalidate(dir.id, name)
		return pathError(op, p, err)
	}
	if _, err := v.internCreated(bctx, dir, name, h); err != nil {
		return pathError(op, p, err)
	}
	return nil
}

func isRootPath(p string) bool {
	for i := 0; i < len(p); i++ {
		if p[i] != '/' {
			return false
		}
	}
	return p != ""
}

// PathRemoveDirectory removes the empty directory at p.
func (v *VFS) PathRemoveDirectory(ctx context.Context, dirfd FD, p string) error {
	const op = "rmdir"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	dir, name, _, err := v.resolveParentAt(ctx, dirfd, p)
	if err != nil {
		if ErrnoOf(err) == ErrInvalid && isRootPath(p) {
			err = ErrBusy
		}
		return pathError(op, p, err)
	}
	if err := dir.m.writable(); err != nil {
		return pathError(op, p, err)
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return pathError(op, p, err)
	}

	unlock := v.locks.lock(dir.id)
	defer unlock()

	if v.mounts.Covering(dir.id, name) != nil {
		return pathError(op, p, ErrBusy)
	}
	child, err := v.lookupLocked(ctx, dir, name)
	if err != nil {
		return pathError(op, p, err)
	}
	if !child.isDir() {
		return pathError(op, p, ErrNotADirectory)
	}
	if v.mounts.Pinned(child.id) {
		return pathError(op, p, ErrBusy)
	}
	if err := v.checkSticky(dir, child); err != nil {
		return pathError(op, p, err)
	}

	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()
	if err := dir.m.Backend.Rmdir(bctx, dir.h, name); err != nil {
		return pathError(op, p, err)
	}
	v.dentries.Invalidate(dir.id, name)
	v.dentries.PutNegative(dir.id, name)
	v.dentries.Forget(child.id)
	v.inodes.Unlink(child.id)
	return nil
}

// PathUnlinkFile removes the non-directory entry at p. The node itself
// lives on while descriptors reference it.
func (v *VFS) PathUnlinkFile(ctx context.Context, dirfd FD, p string) error {
	const op = "unlink"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	dir, name, trailing, err := v.resolveParentAt(ctx, dirfd, p)
	if err != nil {
		if ErrnoOf(err) == ErrInvalid && isRootPath(p) {
			err = ErrIsADirectory
		}
		return pathError(op, p, err)
	}
	if err := dir.m.writable(); err != nil {
		return pathError(op, p, err)
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return pathError(op, p, err)
	}

	unlock := v.locks.lock(dir.id)
	defer unlock()

	if v.mounts.Covering(dir.id, name) != nil {
		return pathError(op, p, ErrBusy)
	}
	child, err := v.lookupLocked(ctx, dir, name)
	if err != nil {
		return pathError(op, p, err)
	}
	switch {
	case child.isDir():
		return pathError(op, p, ErrIsADirectory)
	case trailing:
		return pathError(op, p, ErrNotADirectory)
	}
	if err := v.checkSticky(dir, child); err != nil {
		return pathError(op, p, err)
	}

	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()
	if err := dir.m.Backend.Unlink(bctx, dir.h, name); err != nil {
		return pathError(op, p, err)
	}
	v.dentries.Invalidate(dir.id, name)
	v.dentries.PutNegative(dir.id, name)
	v.inodes.Unlink(child.id)
	return nil
}

// PathRename moves oldpath to newpath, atomically replacing an existing
// destination of a compatible type.
func (v *VFS) PathRename(ctx context.Context, olddirfd FD, oldpath string, newdirfd FD, newpath string) error {
	const op = "rename"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	src, sname, strailing, err := v.resolveParentAt(ctx, olddirfd, oldpath)
	if err != nil {
		if ErrnoOf(err) == ErrInvalid && isRootPath(oldpath) {
			err = ErrBusy
		}
		return linkError(op, oldpath, newpath, err)
	}
	dst, dname, dtrailing, err := v.resolveParentAt(ctx, newdirfd, newpath)
	if err != nil {
		if ErrnoOf(err) == ErrInvalid && isRootPath(newpath) {
			err = ErrBusy
		}
		return linkError(op, oldpath, newpath, err)
	}
	if err := src.m.writable(); err != nil {
		return linkError(op, oldpath, newpath, err)
	}
	if err := dst.m.writable(); err != nil {
		return linkError(op, oldpath, newpath, err)
	}
	for _, d := range []node{src, dst} {
		if err := v.checkAccess(d, accessWrite|accessExec); err != nil {
			return linkError(op, oldpath, newpath, err)
		}
	}

	if src.m != dst.m {
		if !dst.m.Options.EmulateCrossRename {
			return linkError(op, oldpath, newpath, ErrCrossDevice)
		}
		return linkError(op, oldpath, newpath, v.renameAcross(ctx, src, sname, dst, dname, strailing || dtrailing))
	}

	switch src.m.Caps.AtomicRename {
	case Unsupported:
		return linkError(op, oldpath, newpath, ErrNotSupported)
	case Emulated:
		if src.m.Options.RequireAtomicRename {
			return linkError(op, oldpath, newpath, ErrNotSupported)
		}
	}

	unlock := v.locks.lock(src.id, dst.id)
	defer unlock()

	if v.mounts.Covering(src.id, sname) != nil || v.mounts.Covering(dst.id, dname) != nil {
		return linkError(op, oldpath, newpath, ErrBusy)
	}
	child, err := v.lookupLocked(ctx, src, sname)
	if err != nil {
		return linkError(op, oldpath, newpath, err)
	}
	if (strailing || dtrailing) && !child.isDir() {
		return linkError(op, oldpath, newpath, ErrNotADirectory)
	}
	if v.mounts.Pinned(child.id) {
		return linkError(op, oldpath, newpath, ErrBusy)
	}
	if err := v.checkSticky(src, child); err != nil {
		return linkError(op, oldpath, newpath, err)
	}

	victim, err := v.lookupLocked(ctx, dst, dname)
	hasVictim := err == nil
	switch {
	case err != nil && ErrnoOf(err) != ErrNotFound:
		return linkError(op, oldpath, newpath, err)
	case hasVictim && victim.id == child.id:
		return nil
	case hasVictim && child.isDir() && !victim.isDir():
		return linkError(op, oldpath, newpath, ErrNotADirectory)
	case hasVictim && !child.isDir() && victim.isDir():
		return linkError(op, oldpath, newpath, ErrIsADirectory)
	case hasVictim && v.mounts.Pinned(victim.id):
		return linkError(op, oldpath, newpath, ErrBusy)
	}
	if hasVictim {
		if err := v.checkSticky(dst, victim); err != nil {
			return linkError(op, oldpath, newpath, err)
		}
	}
	if child.isDir() && v.isAncestor(child, dst) {
		return linkError(op, oldpath, newpath, ErrInvalid)
	}

	bctx, bcancel := backendContext(ctx, src.m)
	defer bcancel()
	if err := src.m.Backend.Rename(bctx, src.h, sname, dst.h, dname, 0); err != nil {
		v.dentries.Invalidate(src.id, sname)
		v.dentries.Invalidate(dst.id, dname)
		return linkError(op, oldpath, newpath, err)
	}

	v.dentries.Invalidate(src.id, sname)
	v.dentries.PutNegative(src.id, sname)
	v.dentries.Invalidate(dst.id, dname)
	v.dentries.PutPositive(dst.id, dname, child.id)
	if child.isDir() {
		v.inodes.SetParent(child.id, dst.id, dname)
	}
	if hasVictim {
		if victim.isDir() {
			v.dentries.Forget(victim.id)
		}
		v.inodes.Unlink(victim.id)
	}
	return nil
}

// isAncestor reports whether dir is n or lies beneath it within n's
// mount.
func (v *VFS) isAncestor(n, dir node) bool {
	cur := dir.id
	for i := 0; i < 4096 && cur != 0; i++ {
		if cur == n.id {
			return true
		}
		if cur == n.m.root {
			return false
		}
		meta, ok := v.inodes.Lookup(cur)
		if !ok {
			return false
		}
		cur = meta.Parent
	}
	return false
}

// renameAcross emulates rename between mounts for regular files and
// symlinks: the data is copied under a temporary name in the
// destination, renamed into place, and only then removed at the source.
func (v *VFS) renameAcross(ctx context.Context, src node, sname string, dst node, dname string, trailing bool) error {
	unlock := v.locks.lock(src.id, dst.id)
	defer unlock()

	if v.mounts.Covering(src.id, sname) != nil || v.mounts.Covering(dst.id, dname) != nil {
		return ErrBusy
	}
	child, err := v.lookupLocked(ctx, src, sname)
	if err != nil {
		return err
	}
	switch {
	case child.isDir():
		return ErrCrossDevice
	case trailing:
		return ErrNotADirectory
	case child.typ != TypeRegular && child.typ != TypeSymlink:
		return ErrCrossDevice
	}
	if victim, err := v.lookupLocked(ctx, dst, dname); err == nil && victim.isDir() {
		return ErrIsADirectory
	} else if err != nil && ErrnoOf(err) != ErrNotFound {
		return err
	}
	if err := v.checkSticky(src, child); err != nil {
		return err
	}

	attr, err := src.m.Backend.Getattr(ctx, child.h)
	if err != nil {
		return err
	}
	tmp := tempName(dname)
	spec := NodeSpec{Type: attr.Type, Mode: attr.Mode, Uid: attr.Uid, Gid: attr.Gid}

	var h Handle
	if child.typ == TypeSymlink {
		target, err := src.m.Backend.Readlink(ctx, child.h)
		if err != nil {
			return err
		}
		if h, err = dst.m.Backend.Symlink(ctx, dst.h, tmp, target, spec); err != nil {
			return err
		}
	} else {
		if h, err = dst.m.Backend.Create(ctx, dst.h, tmp, spec); err != nil {
			return err
		}
		if err := copyData(ctx, src.m, child.h, dst.m, h); err != nil {
			dst.m.Backend.Unlink(context.WithoutCancel(ctx), dst.h, tmp)
			dst.m.Backend.Forget(h)
			return err
		}
		dst.m.Backend.Setattr(ctx, h, SetAttr{Atime: &attr.Atime, Mtime: &attr.Mtime})
	}

	if err := dst.m.Backend.Rename(ctx, dst.h, tmp, dst.h, dname, 0); err != nil {
		dst.m.Backend.Unlink(context.WithoutCancel(ctx), dst.h, tmp)
		dst.m.Backend.Forget(h)
		return err
	}
	victim, verr := v.lookupLocked(ctx, dst, dname)
	v.dentries.Invalidate(dst.id, dname)
	if verr == nil {
		v.inodes.Unlink(victim.id)
	}
	if _, err := v.internCreated(ctx, dst, dname, h); err != nil {
		return err
	}

	if err := src.m.Backend.Unlink(ctx, src.h, sname); err != nil {
		return err
	}
	v.dentries.Invalidate(src.id, sname)
	v.dentries.PutNegative(src.id, sname)
	v.inodes.Unlink(child.id)
	return nil
}

// tempName returns a hidden sibling name for staging name.
func tempName(name string) string {
	tmp := ".sandboxfs-" + uuid.NewString()[:8] + "-" + name
	if len(tmp) > MaxNameLen {
		tmp = tmp[:MaxNameLen]
	}
	return tmp
}

// copyData streams the contents of one handle into another in 64 KiB
// chunks, honoring both mounts' throughput limits.
func copyData(ctx context.Context, from *Mount, fh Handle, to *Mount, th Handle) error {
	if err := from.Backend.Open(ctx, fh, OpenRead); err != nil {
		return err
	}
	defer from.Backend.Release(context.WithoutCancel(ctx), fh)
	if err := to.Backend.Open(ctx, th, OpenWrite); err != nil {
		return err
	}
	defer to.Backend.Release(context.WithoutCancel(ctx), th)

	buf := make([]byte, 64<<10)
	var off int64
	for {
		if err := from.limiter.waitRead(ctx, len(buf)); err != nil {
			return err
		}
		n, err := from.Backend.Read(ctx, fh, buf, off)
		if n > 0 {
			if werr := to.limiter.waitWrite(ctx, n); werr != nil {
				return werr
			}
			if _, werr := to.Backend.Write(ctx, th, buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if err == io.EOF || (err == nil && n == 0) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// PathSymlink creates a symlink at linkpath pointing at target. The
// target is stored verbatim and not resolved.
func (v *VFS) PathSymlink(ctx context.Context, target string, dirfd FD, linkpath string) error {
	const op = "symlink"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	if target == "" {
		return linkError(op, target, linkpath, ErrNotFound)
	}
	dir, name, trailing, err := v.resolveParentAt(ctx, dirfd, linkpath)
	if err != nil {
		return linkError(op, target, linkpath, err)
	}
	if trailing {
		return linkError(op, target, linkpath, ErrNotADirectory)
	}
	if err := dir.m.writable(); err != nil {
		return linkError(op, target, linkpath, err)
	}
	if !dir.m.Caps.Symlinks.Available() {
		return linkError(op, target, linkpath, ErrNotSupported)
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return linkError(op, target, linkpath, err)
	}

	unlock := v.locks.lock(dir.id)
	defer unlock()

	if v.mounts.Covering(dir.id, name) != nil {
		return linkError(op, target, linkpath, ErrAlreadyExists)
	}
	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()
	h, err := dir.m.Backend.Symlink(bctx, dir.h, name, target, v.newSpec(dir, TypeSymlink, 0o777))
	if err != nil {
		v.dentries.Invalidate(dir.id, name)
		return linkError(op, target, linkpath, err)
	}
	if _, err := v.internCreated(bctx, dir, name, h); err != nil {
		return linkError(op, target, linkpath, err)
	}
	return nil
}

// PathReadlink returns the target of the symlink at p.
func (v *VFS) PathReadlink(ctx context.Context, dirfd FD, p string) (string, error) {
	const op = "readlink"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	n, err := v.resolve(ctx, dirfd, p, 0)
	if err != nil {
		return "", pathError(op, p, err)
	}
	if n.typ != TypeSymlink {
		return "", pathError(op, p, ErrInvalid)
	}
	bctx, bcancel := backendContext(ctx, n.m)
	defer bcancel()
	target, err := n.m.Backend.Readlink(bctx, n.h)
	if err != nil {
		return "", pathError(op, p, err)
	}
	return target, nil
}

// PathLink adds newpath as another name for oldpath. follow selects
// whether a symlink at oldpath is linked or dereferenced first.
func (v *VFS) PathLink(ctx context.Context, olddirfd FD, oldpath string, newdirfd FD, newpath string, follow bool) error {
	const op = "link"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	var rflags ResolveFlags
	if follow {
		rflags = FollowFinal
	}
	src, err := v.resolve(ctx, olddirfd, oldpath, rflags)
	if err != nil {
		return linkError(op, oldpath, newpath, err)
	}
	if src.isDir() {
		return linkError(op, oldpath, newpath, ErrPermissionDenied)
	}
	dir, name, trailing, err := v.resolveParentAt(ctx, newdirfd, newpath)
	if err != nil {
		return linkError(op, oldpath, newpath, err)
	}
	switch {
	case trailing:
		return linkError(op, oldpath, newpath, ErrNotADirectory)
	case dir.m != src.m:
		return linkError(op, oldpath, newpath, ErrCrossDevice)
	case !dir.m.Caps.Hardlinks.Available():
		return linkError(op, oldpath, newpath, ErrNotSupported)
	}
	if err := dir.m.writable(); err != nil {
		return linkError(op, oldpath, newpath, err)
	}
	if err := v.checkAccess(dir, accessWrite|accessExec); err != nil {
		return linkError(op, oldpath, newpath, err)
	}

	unlock := v.locks.lock(dir.id)
	defer unlock()

	if v.mounts.Covering(dir.id, name) != nil {
		return linkError(op, oldpath, newpath, ErrAlreadyExists)
	}
	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()
	if err := dir.m.Backend.Link(bctx, src.h, dir.h, name); err != nil {
		v.dentries.Invalidate(dir.id, name)
		return linkError(op, oldpath, newpath, err)
	}
	if attr, err := dir.m.Backend.Getattr(bctx, src.h); err == nil {
		v.inodes.Refresh(src.id, attr)
	} else {
		v.inodes.Link(src.id)
	}
	v.dentries.Invalidate(dir.id, name)
	v.dentries.PutPositive(dir.id, name, src.id)
	return nil
}

// PathFilestatGet stats p. follow selects stat over lstat semantics for
// a final symlink.
func (v *VFS) PathFilestatGet(ctx context.Context, dirfd FD, p string, follow bool) (Filestat, error) {
	const op = "stat"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	var rflags ResolveFlags
	if follow {
		rflags = FollowFinal
	}
	st, err := v.statAt(ctx, dirfd, p, rflags)
	if err != nil {
		return Filestat{}, pathError(op, p, err)
	}
	return st, nil
}

func (v *VFS) statAt(ctx context.Context, dirfd FD, p string, flags ResolveFlags) (Filestat, error) {
	var st Filestat
	err := v.retryStale(ctx, dirfd, p, func() error {
		n, err := v.resolve(ctx, dirfd, p, flags)
		if err != nil {
			return err
		}
		st, err = v.stat(ctx, n)
		return err
	})
	return st, err
}

// Resolve stats p with explicit resolution flags. Callers use it for
// Beneath confinement, which the path operations do not apply.
func (v *VFS) Resolve(ctx context.Context, dirfd FD, p string, flags ResolveFlags) (Filestat, error) {
	const op = "resolve"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	st, err := v.statAt(ctx, dirfd, p, flags)
	if err != nil {
		return Filestat{}, pathError(op, p, err)
	}
	return st, nil
}

// PathFilestatSetTimes sets the access and modification times of p.
// A nil time is left unchanged.
func (v *VFS) PathFilestatSetTimes(ctx context.Context, dirfd FD, p string, atime, mtime *time.Time, follow bool) error {
	const op = "utimes"
	return v.pathSetattr(ctx, op, dirfd, p, follow, SetAttr{Atime: atime, Mtime: mtime})
}

// PathChmod changes the permission bits of p, following symlinks.
func (v *VFS) PathChmod(ctx context.Context, dirfd FD, p string, mode fs.FileMode) error {
	const op = "chmod"
	mode &= PermMask
	return v.pathSetattr(ctx, op, dirfd, p, true, SetAttr{Mode: &mode})
}

// PathChown changes the owner and group of p. A negative id is left
// unchanged.
func (v *VFS) PathChown(ctx context.Context, dirfd FD, p string, uid, gid int, follow bool) error {
	const op = "chown"
	return v.pathSetattr(ctx, op, dirfd, p, follow, ownerAttr(uid, gid))
}

func ownerAttr(uid, gid int) SetAttr {
	var set SetAttr
	if uid >= 0 {
		u := uint32(uid)
		set.Uid = &u
	}
	if gid >= 0 {
		g := uint32(gid)
		set.Gid = &g
	}
	return set
}

func (v *VFS) pathSetattr(ctx context.Context, op string, dirfd FD, p string, follow bool, set SetAttr) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	var rflags ResolveFlags
	if follow {
		rflags = FollowFinal
	}
	err := v.retryStale(ctx, dirfd, p, func() error {
		n, err := v.resolve(ctx, dirfd, p, rflags)
		if err != nil {
			return err
		}
		return v.setattr(ctx, n, set)
	})
	return pathError(op, p, err)
}

func (v *VFS) setattr(ctx context.Context, n node, set SetAttr) error {
	if set.Empty() {
		return nil
	}
	if err := n.m.writable(); err != nil {
		return err
	}
	if (set.Mode != nil || set.Uid != nil || set.Gid != nil) && !n.m.Caps.PosixPermissions.Available() {
		return ErrNotSupported
	}
	if set.Uid != nil && !v.creds.Root() {
		return ErrPermissionDenied
	}
	if err := v.checkOwner(n); err != nil {
		return err
	}

	bctx, cancel := backendContext(ctx, n.m)
	defer cancel()
	attr, err := n.m.Backend.Setattr(bctx, n.h, set)
	if err != nil {
		return err
	}
	return v.inodes.UpdateMetadata(n.id, func(m *InodeMetadata) error {
		m.Mode = attr.Mode & PermMask
		m.Uid, m.Gid = attr.Uid, attr.Gid
		m.Atime, m.Mtime, m.Ctime = attr.Atime, attr.Mtime, attr.Ctime
		return nil
	})
}

// Chdir changes the working directory used by AtCWD.
func (v *VFS) Chdir(ctx context.Context, p string) error {
	const op = "chdir"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	n, err := v.resolve(ctx, AtCWD, p, FollowFinal|MustBeDir)
	if err != nil {
		return pathError(op, p, err)
	}
	if err := v.checkAccess(n, accessExec); err != nil {
		return pathError(op, p, err)
	}
	v.mu.Lock()
	v.cwd = n.id
	v.mu.Unlock()
	return nil
}

// Getwd returns the absolute path of the working directory.
func (v *VFS) Getwd() (string, error) {
	v.mu.Lock()
	cwd := v.cwd
	v.mu.Unlock()

	n, err := v.nodeOf(cwd)
	if err != nil {
		return "", pathError("getwd", ".", err)
	}
	p, err := v.pathOf(n)
	if err != nil {
		return "", pathError("getwd", ".", err)
	}
	return p, nil
}
