package overlay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/absfs/sandboxfs"
)

// tempName returns a reserved name for staging a node in the upper
// layer before it is renamed into place.
func tempName() string {
	return tempPrefix + uuid.NewString()
}

// copyUp moves h into the upper layer and returns its upper handle.
func (o *Overlay) copyUp(ctx context.Context, h sandboxfs.Handle, withData bool) (sandboxfs.Handle, error) {
	if err := o.writableUpper(); err != nil {
		return 0, err
	}
	o.ns.Lock()
	defer o.ns.Unlock()
	return o.copyUpLocked(ctx, h, withData)
}

// upperDirLocked returns the upper handle of directory h, copying it
// and its parents up first.
func (o *Overlay) upperDirLocked(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Handle, error) {
	n, err := o.snapshot(h)
	if err != nil {
		return 0, err
	}
	if n.typ != sandboxfs.TypeDirectory {
		return 0, sandboxfs.ErrNotADirectory
	}
	if n.upper != 0 {
		return n.upper, nil
	}
	return o.copyUpLocked(ctx, h, true)
}

// copyUpLocked copies h from its lower layer into the upper layer. The
// copy becomes visible only once it is complete: content and metadata
// are written under a temporary name that is then renamed into place.
// Callers hold o.ns.
func (o *Overlay) copyUpLocked(ctx context.Context, h sandboxfs.Handle, withData bool) (sandboxfs.Handle, error) {
	const op = "overlay.Overlay.copyUp"

	n, err := o.snapshot(h)
	if err != nil {
		return 0, err
	}
	if n.upper != 0 {
		return n.upper, nil
	}
	if len(n.lowers) == 0 || n.removed {
		return 0, fmt.Errorf("%s: %s: %w", op, n.name, sandboxfs.ErrStaleInode)
	}

	parent, err := o.upperDirLocked(ctx, n.parent)
	if err != nil {
		return 0, fmt.Errorf("%s: parent of %s: %w", op, n.name, err)
	}

	ref := n.lowers[0]
	lower := o.lowers[ref.layer]
	attr, err := lower.Getattr(ctx, ref.h)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, n.name, err)
	}

	var uh sandboxfs.Handle
	if n.typ == sandboxfs.TypeDirectory {
		// An empty upper directory merged with its lower directory
		// shows the same view, so a partial copy is never visible.
		uh, err = o.upper.Mkdir(ctx, parent, n.name, specOf(attr))
		if err != nil {
			return 0, fmt.Errorf("%s: mkdir %s: %w", op, n.name, err)
		}
		if err := o.copyMeta(ctx, uh, attr, lower, ref.h); err != nil {
			o.discard(ctx, parent, n.name, true)
			return 0, fmt.Errorf("%s: %s: %w", op, n.name, err)
		}
	} else {
		uh, err = o.stage(ctx, parent, n.name, func(name string) (sandboxfs.Handle, error) {
			uh, err := o.copyNode(ctx, parent, name, attr, lower, ref.h, withData)
			if err != nil {
				return 0, err
			}
			return uh, o.copyMeta(ctx, uh, attr, lower, ref.h)
		})
		if err != nil {
			return 0, fmt.Errorf("%s: %s: %w", op, n.name, err)
		}
	}

	o.mu.Lock()
	cur := o.nodes[h]
	if cur == nil {
		o.mu.Unlock()
		return uh, nil
	}
	cur.upper = uh
	o.byUpper[uh] = h
	pins := cur.lowerPins
	o.mu.Unlock()

	// Descriptions already open on the lower copy move to the upper one.
	moved := 0
	for ; moved < pins; moved++ {
		if err := o.upper.Open(ctx, uh, sandboxfs.OpenRead); err != nil {
			o.logger.Warn("failed to move open description to upper copy", "name", n.name, "error", err)
			break
		}
		if err := lower.Release(ctx, ref.h); err != nil {
			o.logger.Warn("failed to release lower copy", "name", n.name, "error", err)
		}
	}
	o.mu.Lock()
	cur.lowerPins -= moved
	cur.upperPins += moved
	o.mu.Unlock()

	o.logger.Debug("copied up", "name", n.name, "type", n.typ.String(), "layer", ref.layer, "data", withData)
	return uh, nil
}

// stage builds a node under a temporary name and renames it to name.
// Without native atomic rename in the upper layer the node is built in
// place, which WithNonAtomicCopyUp must allow.
func (o *Overlay) stage(ctx context.Context, dir sandboxfs.Handle, name string, build func(name string) (sandboxfs.Handle, error)) (sandboxfs.Handle, error) {
	if o.upperCaps.AtomicRename != sandboxfs.Native {
		if !o.nonAtomicCopyUp {
			return 0, sandboxfs.ErrNotSupported
		}
		h, err := build(name)
		if err != nil {
			o.discard(ctx, dir, name, false)
			return 0, err
		}
		return h, nil
	}

	tmp := tempName()
	h, err := build(tmp)
	if err != nil {
		o.discard(ctx, dir, tmp, false)
		return 0, err
	}
	if err := o.upper.Rename(ctx, dir, tmp, dir, name, sandboxfs.RenameNoReplace); err != nil {
		o.discard(ctx, dir, tmp, false)
		return 0, err
	}
	return h, nil
}

// discard removes a partial upper node after a failed copy.
func (o *Overlay) discard(ctx context.Context, dir sandboxfs.Handle, name string, isDir bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if isDir {
		err = o.upper.Rmdir(ctx, dir, name)
	} else {
		err = o.upper.Unlink(ctx, dir, name)
	}
	if err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
		o.logger.Warn("failed to remove partial copy", "name", name, "error", err)
	}
}

func specOf(attr sandboxfs.Attr) sandboxfs.NodeSpec {
	return sandboxfs.NodeSpec{
		Type: attr.Type,
		Mode: attr.Mode,
		Uid:  attr.Uid,
		Gid:  attr.Gid,
		Rdev: attr.Rdev,
	}
}

// copyNode creates name in the upper directory dir as a copy of the
// lower node lh.
func (o *Overlay) copyNode(ctx context.Context, dir sandboxfs.Handle, name string, attr sandboxfs.Attr, lower sandboxfs.Backend, lh sandboxfs.Handle, withData bool) (sandboxfs.Handle, error) {
	switch attr.Type {
	case sandboxfs.TypeSymlink:
		target, err := lower.Readlink(ctx, lh)
		if err != nil {
			return 0, err
		}
		return o.upper.Symlink(ctx, dir, name, target, specOf(attr))
	case sandboxfs.TypeRegular:
		uh, err := o.upper.Create(ctx, dir, name, specOf(attr))
		if err != nil {
			return 0, err
		}
		if withData {
			return uh, o.copyData(ctx, uh, attr.Size, lower, lh)
		}
		return uh, nil
	default:
		return o.upper.Create(ctx, dir, name, specOf(attr))
	}
}

// copyData copies size bytes of file content. All-zero blocks are left
// as holes when the upper layer stores sparse files.
func (o *Overlay) copyData(ctx context.Context, uh sandboxfs.Handle, size int64, lower sandboxfs.Backend, lh sandboxfs.Handle) (err error) {
	if err := lower.Open(ctx, lh, sandboxfs.OpenRead); err != nil {
		return err
	}
	defer lower.Release(context.WithoutCancel(ctx), lh)
	if err := o.upper.Open(ctx, uh, sandboxfs.OpenWrite); err != nil {
		return err
	}
	defer func() {
		if rerr := o.upper.Release(context.WithoutCancel(ctx), uh); err == nil {
			err = rerr
		}
	}()

	sparse := o.upperCaps.SparseFiles == sandboxfs.Native
	buf := make([]byte, o.copyBufferSize)
	zero := make([]byte, o.copyBufferSize)
	var off int64
	for off < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := lower.Read(ctx, lh, buf, off)
		if n > 0 {
			chunk := buf[:n]
			if !sparse || !bytes.Equal(chunk, zero[:n]) {
				if _, err := o.upper.Write(ctx, uh, chunk, off); err != nil {
					return err
				}
			}
			off += int64(n)
		}
		if rerr == io.EOF || (rerr == nil && n == 0) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if sparse && off > 0 {
		// Trailing holes were skipped; the size still has to match.
		return o.upper.Truncate(ctx, uh, off)
	}
	return nil
}

// copyMeta copies xattrs, mode, ownership and times, in that order, so
// the times are not disturbed by the other changes.
func (o *Overlay) copyMeta(ctx context.Context, uh sandboxfs.Handle, attr sandboxfs.Attr, lower sandboxfs.Backend, lh sandboxfs.Handle) error {
	if lower.Capabilities().Xattrs.Available() && o.upperCaps.Xattrs.Available() {
		names, err := lower.ListXattr(ctx, lh)
		if err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotSupported {
			return err
		}
		for _, name := range names {
			if strings.HasPrefix(name, reservedXattrs) {
				continue
			}
			v, err := lower.GetXattr(ctx, lh, name)
			if err != nil {
				return err
			}
			if err := o.upper.SetXattr(ctx, uh, name, v); err != nil {
				return err
			}
		}
	}

	cur, err := o.upper.Getattr(ctx, uh)
	if err != nil {
		return err
	}
	if o.upperCaps.PosixPermissions.Available() && attr.Type != sandboxfs.TypeSymlink && cur.Mode != attr.Mode {
		mode := attr.Mode
		if _, err := o.upper.Setattr(ctx, uh, sandboxfs.SetAttr{Mode: &mode}); err != nil {
			return err
		}
	}
	if o.upperCaps.PosixPermissions.Available() && (cur.Uid != attr.Uid || cur.Gid != attr.Gid) {
		uid, gid := attr.Uid, attr.Gid
		_, err := o.upper.Setattr(ctx, uh, sandboxfs.SetAttr{Uid: &uid, Gid: &gid})
		if err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrPermissionDenied {
			return err
		}
		if err != nil {
			o.logger.Warn("copy-up kept upper ownership", "uid", attr.Uid, "gid", attr.Gid, "error", err)
		}
	}
	atime, mtime := attr.Atime, attr.Mtime
	_, err = o.upper.Setattr(ctx, uh, sandboxfs.SetAttr{Atime: &atime, Mtime: &mtime})
	return err
}
