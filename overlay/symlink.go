package overlay

import (
	"context"
	"fmt"
	"strings"

	"github.com/absfs/sandboxfs"
)

// Symlink creates a symbolic link in the upper layer.
func (o *Overlay) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	const op = "overlay.Overlay.Symlink"
	if err := o.writableUpper(); err != nil {
		return 0, err
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
		return o.upper.Symlink(ctx, ud, name, target, spec)
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return o.intern(dir, name, node{typ: sandboxfs.TypeSymlink, upper: uh}), nil
}

// Readlink returns the target of a symlink from whichever layer holds it.
func (o *Overlay) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	n, err := o.snapshot(h)
	if err != nil {
		return "", err
	}
	b, bh, err := o.layerFor(n)
	if err != nil {
		return "", err
	}
	return b.Readlink(ctx, bh)
}

// Extended attributes under trusted.overlay. belong to the overlay and
// are neither shown nor settable.

func (o *Overlay) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	if strings.HasPrefix(name, reservedXattrs) {
		return nil, sandboxfs.ErrNotFound
	}
	n, err := o.snapshot(h)
	if err != nil {
		return nil, err
	}
	b, bh, err := o.layerFor(n)
	if err != nil {
		return nil, err
	}
	return b.GetXattr(ctx, bh, name)
}

func (o *Overlay) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	n, err := o.snapshot(h)
	if err != nil {
		return nil, err
	}
	b, bh, err := o.layerFor(n)
	if err != nil {
		return nil, err
	}
	names, err := b.ListXattr(ctx, bh)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if !strings.HasPrefix(name, reservedXattrs) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (o *Overlay) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	if strings.HasPrefix(name, reservedXattrs) {
		return sandboxfs.ErrInvalid
	}
	uh, err := o.copyUp(ctx, h, true)
	if err != nil {
		return err
	}
	return o.upper.SetXattr(ctx, uh, name, value)
}

func (o *Overlay) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	if strings.HasPrefix(name, reservedXattrs) {
		return sandboxfs.ErrInvalid
	}
	uh, err := o.copyUp(ctx, h, true)
	if err != nil {
		return err
	}
	return o.upper.RemoveXattr(ctx, uh, name)
}
