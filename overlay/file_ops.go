package overlay

import (
	"context"
	"fmt"

	"github.com/absfs/sandboxfs"
)

// Getattr reports the metadata of the layer that holds h. The inode
// number is the overlay handle, which survives copy-up.
func (o *Overlay) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	n, err := o.snapshot(h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	b, bh, err := o.layerFor(n)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	attr, err := b.Getattr(ctx, bh)
	if err != nil {
		return attr, err
	}
	attr.Ino = uint64(h)
	return attr, nil
}

// Setattr copies h up and changes the upper copy.
func (o *Overlay) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	const op = "overlay.Overlay.Setattr"

	uh, err := o.copyUp(ctx, h, true)
	if err != nil {
		return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, err)
	}
	attr, err := o.upper.Setattr(ctx, uh, set)
	if err != nil {
		return attr, err
	}
	attr.Ino = uint64(h)
	return attr, nil
}

// Create creates a non-directory in the upper layer.
func (o *Overlay) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	const op = "overlay.Overlay.Create"
	if err := o.writableUpper(); err != nil {
		return 0, err
	}
	if spec.Type == sandboxfs.TypeDirectory {
		return 0, sandboxfs.ErrInvalid
	}
	if o.format == WhiteoutCharDev && spec.Type == sandboxfs.TypeCharDevice && spec.Rdev == 0 {
		// Indistinguishable from a whiteout.
		return 0, sandboxfs.ErrInvalid
	}
	o.ns.Lock()
	defer o.ns.Unlock()

	d, err := o.snapshot(dir)
	if err != nil {
		return 0, err
	}
	if _, err := o.checkCreate(ctx, d, name); err != nil {
		return 0, err
	}
	ud, err := o.upperDirLocked(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	uh, err := o.place(ctx, ud, name, false, func(name string) (sandboxfs.Handle, error) {
		return o.upper.Create(ctx, ud, name, spec)
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return o.intern(dir, name, node{typ: spec.Type, upper: uh}), nil
}

// Open pins h in the layer that holds it. Opening for write copies a
// lower file up first; with OpenTruncate the content is not copied.
func (o *Overlay) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	const op = "overlay.Overlay.Open"

	o.ns.Lock()
	defer o.ns.Unlock()

	n, err := o.snapshot(h)
	if err != nil {
		return err
	}
	if flags.Writable() && n.upper == 0 {
		if err := o.writableUpper(); err != nil {
			return err
		}
		if _, err := o.copyUpLocked(ctx, h, flags&sandboxfs.OpenTruncate == 0); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if n, err = o.snapshot(h); err != nil {
			return err
		}
	}
	b, bh, err := o.layerFor(n)
	if err != nil {
		return err
	}
	if err := b.Open(ctx, bh, flags); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.nodes[h]
	if !ok {
		b.Release(context.WithoutCancel(ctx), bh)
		return sandboxfs.ErrStaleInode
	}
	if n.upper != 0 {
		cur.upperPins++
	} else {
		cur.lowerPins++
	}
	return nil
}

func (o *Overlay) Release(ctx context.Context, h sandboxfs.Handle) error {
	o.ns.Lock()
	defer o.ns.Unlock()

	o.mu.Lock()
	n, ok := o.nodes[h]
	if !ok {
		o.mu.Unlock()
		return sandboxfs.ErrStaleInode
	}
	var (
		b  sandboxfs.Backend
		bh sandboxfs.Handle
	)
	switch {
	case n.upperPins > 0:
		n.upperPins--
		b, bh = o.upper, n.upper
	case n.lowerPins > 0:
		n.lowerPins--
		ref := n.lowers[0]
		b, bh = o.lowers[ref.layer], ref.h
	default:
		o.mu.Unlock()
		return sandboxfs.ErrBadDescriptor
	}
	o.mu.Unlock()
	return b.Release(ctx, bh)
}

// opened returns the layer an open description of h reads from.
func (o *Overlay) opened(h sandboxfs.Handle, write bool) (sandboxfs.Backend, sandboxfs.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodes[h]
	if !ok {
		return nil, 0, sandboxfs.ErrStaleInode
	}
	switch {
	case n.upperPins > 0:
		return o.upper, n.upper, nil
	case n.lowerPins > 0 && !write:
		ref := n.lowers[0]
		return o.lowers[ref.layer], ref.h, nil
	}
	return nil, 0, sandboxfs.ErrBadDescriptor
}

func (o *Overlay) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	b, bh, err := o.opened(h, false)
	if err != nil {
		return 0, err
	}
	return b.Read(ctx, bh, p, off)
}

func (o *Overlay) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	b, bh, err := o.opened(h, true)
	if err != nil {
		return 0, err
	}
	return b.Write(ctx, bh, p, off)
}

func (o *Overlay) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	b, bh, err := o.opened(h, true)
	if err != nil {
		return err
	}
	return b.Truncate(ctx, bh, size)
}

func (o *Overlay) Sync(ctx context.Context, h sandboxfs.Handle) error {
	b, bh, err := o.opened(h, false)
	if err != nil {
		return err
	}
	return b.Sync(ctx, bh)
}

// Unlink removes a non-directory. A name that a lower layer still
// provides is covered by a whiteout.
func (o *Overlay) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "overlay.Overlay.Unlink"
	if err := o.writableUpper(); err != nil {
		return err
	}
	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	o.ns.Lock()
	defer o.ns.Unlock()

	d, err := o.snapshot(dir)
	if err != nil {
		return err
	}
	if d.typ != sandboxfs.TypeDirectory {
		return sandboxfs.ErrNotADirectory
	}
	if isReserved(name) {
		return sandboxfs.ErrNotFound
	}
	child, err := o.findChild(ctx, d, name)
	if err != nil {
		return err
	}
	if child.typ == sandboxfs.TypeDirectory {
		return sandboxfs.ErrIsADirectory
	}

	lowerPos, err := o.lowerPositive(ctx, d, name)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if !lowerPos {
		return o.upper.Unlink(ctx, d.upper, name)
	}
	ud, err := o.upperDirLocked(ctx, dir)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if err := o.removeWithWhiteout(ctx, ud, name, child.upper != 0, false); err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	o.detach(child)
	o.logger.Debug("whiteout created", "name", name, "type", child.typ.String())
	return nil
}

// Rename moves a node within the overlay. Non-directories from a lower
// layer are copied up first and their old name is whited out.
// Directories that merge lower content cannot move and fail with
// ErrCrossDevice, as on Linux overlayfs without redirect_dir.
func (o *Overlay) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	const op = "overlay.Overlay.Rename"
	if err := o.writableUpper(); err != nil {
		return err
	}
	if err := sandboxfs.ValidName(srcName); err != nil {
		return err
	}
	if err := sandboxfs.ValidName(dstName); err != nil {
		return err
	}
	if isReserved(dstName) {
		return sandboxfs.ErrInvalid
	}
	o.ns.Lock()
	defer o.ns.Unlock()

	sd, err := o.snapshot(srcDir)
	if err != nil {
		return err
	}
	dd, err := o.snapshot(dstDir)
	if err != nil {
		return err
	}
	if sd.typ != sandboxfs.TypeDirectory || dd.typ != sandboxfs.TypeDirectory {
		return sandboxfs.ErrNotADirectory
	}
	if isReserved(srcName) {
		return sandboxfs.ErrNotFound
	}
	src, err := o.findChild(ctx, sd, srcName)
	if err != nil {
		return err
	}
	srcH := o.intern(srcDir, srcName, src)
	src, err = o.snapshot(srcH)
	if err != nil {
		return err
	}

	dst, err := o.findChild(ctx, dd, dstName)
	dstExists := err == nil
	if err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
		return err
	}
	if dstExists {
		if srcDir == dstDir && srcName == dstName {
			return nil
		}
		if dst.upper != 0 && dst.upper == src.upper {
			return nil
		}
		if flags&sandboxfs.RenameNoReplace != 0 {
			return sandboxfs.ErrAlreadyExists
		}
		srcIsDir, dstIsDir := src.typ == sandboxfs.TypeDirectory, dst.typ == sandboxfs.TypeDirectory
		switch {
		case srcIsDir && !dstIsDir:
			return sandboxfs.ErrNotADirectory
		case !srcIsDir && dstIsDir:
			return sandboxfs.ErrIsADirectory
		case dstIsDir:
			entries, err := o.merged(ctx, dst)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if len(entries) > 0 {
				return sandboxfs.ErrNotEmpty
			}
		}
	}
	if src.typ == sandboxfs.TypeDirectory {
		if o.isAncestor(srcH, dstDir) {
			return sandboxfs.ErrInvalid
		}
		if hasLowerContent(src) {
			return sandboxfs.ErrCrossDevice
		}
	}

	srcLowerPos, err := o.lowerPositive(ctx, sd, srcName)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	dstLowerPos, err := o.lowerPositive(ctx, dd, dstName)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	srcUpper, err := o.copyUpLocked(ctx, srcH, true)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	sud, err := o.upperDirLocked(ctx, srcDir)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	dud, err := o.upperDirLocked(ctx, dstDir)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if dstExists && dst.typ == sandboxfs.TypeDirectory && dst.upper != 0 {
		if err := o.clearUpperDir(ctx, dst.upper); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if src.typ == sandboxfs.TypeDirectory {
		if dstLowerPos {
			if err := o.markOpaque(ctx, srcUpper); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		if !dstExists || dst.upper == 0 {
			// A directory cannot replace a character-device whiteout.
			if wh, err := o.upperWhiteout(ctx, dud, dstName); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			} else if wh && o.format == WhiteoutCharDev {
				if err := o.upper.Unlink(ctx, dud, dstName); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
			}
		}
	}

	if err := o.upper.Rename(ctx, sud, srcName, dud, dstName, 0); err != nil {
		return err
	}
	if o.format == WhiteoutFile {
		// A sentinel may also remain from an earlier deletion when the
		// name has no lower entry.
		if err := o.upper.Unlink(ctx, dud, whiteoutName(dstName)); err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
			o.logger.Warn("failed to remove whiteout", "name", dstName, "error", err)
		}
	}

	if dstExists {
		o.detach(dst)
	}

	o.mu.Lock()
	if n, ok := o.nodes[srcH]; ok {
		n.parent, n.name = dstDir, dstName
		if src.typ == sandboxfs.TypeDirectory && dstLowerPos {
			n.opaque = true
		}
	}
	o.mu.Unlock()

	if srcLowerPos {
		if err := o.createWhiteout(ctx, sud, srcName); err != nil {
			return fmt.Errorf("%s: whiteout %s: %w", op, srcName, err)
		}
		o.logger.Debug("whiteout created", "name", srcName, "type", src.typ.String())
	}
	return nil
}

// Link creates a hard link in the upper layer. A lower file is copied
// up first and the link shares the copy.
func (o *Overlay) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	const op = "overlay.Overlay.Link"
	if err := o.writableUpper(); err != nil {
		return err
	}
	o.ns.Lock()
	defer o.ns.Unlock()

	n, err := o.snapshot(h)
	if err != nil {
		return err
	}
	if n.typ == sandboxfs.TypeDirectory {
		return sandboxfs.ErrPermissionDenied
	}
	d, err := o.snapshot(dir)
	if err != nil {
		return err
	}
	if _, err := o.checkCreate(ctx, d, name); err != nil {
		return err
	}
	uh, err := o.copyUpLocked(ctx, h, true)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ud, err := o.upperDirLocked(ctx, dir)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = o.place(ctx, ud, name, false, func(name string) (sandboxfs.Handle, error) {
		return uh, o.upper.Link(ctx, uh, ud, name)
	})
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return nil
}
