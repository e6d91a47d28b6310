package overlay

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/absfs/sandboxfs"
)

const listBatch = 256

// listAll pages through one directory of b.
func listAll(ctx context.Context, b sandboxfs.Backend, dir sandboxfs.Handle) ([]sandboxfs.DirEntry, error) {
	var out []sandboxfs.DirEntry
	after := ""
	for {
		batch, err := b.ReadDir(ctx, dir, after, listBatch)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
		after = batch[len(batch)-1].Name
	}
}

// layerListing is one layer's view of a directory with its whiteouts
// already separated from its entries.
type layerListing struct {
	entries []sandboxfs.DirEntry
	hides   []string
}

// scan lists dir in b and classifies reserved names. checkDev selects
// whether character devices 0/0 count as whiteouts.
func scan(ctx context.Context, b sandboxfs.Backend, dir sandboxfs.Handle, checkDev bool) (layerListing, error) {
	raw, err := listAll(ctx, b, dir)
	if err != nil {
		return layerListing{}, err
	}
	var l layerListing
	for _, e := range raw {
		if isReserved(e.Name) {
			if orig, ok := originalName(e.Name); ok {
				l.hides = append(l.hides, orig)
			}
			continue
		}
		if checkDev && e.Type == sandboxfs.TypeCharDevice {
			h, err := b.Lookup(ctx, dir, e.Name)
			if err != nil {
				return layerListing{}, err
			}
			attr, err := b.Getattr(ctx, h)
			if err != nil {
				return layerListing{}, err
			}
			if isWhiteoutAttr(attr) {
				l.hides = append(l.hides, e.Name)
				continue
			}
		}
		l.entries = append(l.entries, sandboxfs.DirEntry{Name: e.Name, Type: e.Type})
	}
	return l, nil
}

// merged returns the union listing of directory d sorted by name.
// Upper entries win on collision; lower entries whited out by a higher
// layer are dropped. Lower layers are listed concurrently.
func (o *Overlay) merged(ctx context.Context, d node) ([]sandboxfs.DirEntry, error) {
	var listings []layerListing
	if d.upper != 0 {
		l, err := scan(ctx, o.upper, d.upper, o.format == WhiteoutCharDev)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	if !d.opaque && len(d.lowers) > 0 {
		lower := make([]layerListing, len(d.lowers))
		g, gctx := errgroup.WithContext(ctx)
		for i, ref := range d.lowers {
			g.Go(func() error {
				l, err := scan(gctx, o.lowers[ref.layer], ref.h, true)
				if err != nil {
					return fmt.Errorf("layer %d: %w", ref.layer, err)
				}
				lower[i] = l
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		listings = append(listings, lower...)
	}

	seen := make(map[string]bool)
	hidden := make(map[string]bool)
	var out []sandboxfs.DirEntry
	for _, l := range listings {
		for _, e := range l.entries {
			if seen[e.Name] || hidden[e.Name] {
				continue
			}
			seen[e.Name] = true
			out = append(out, e)
		}
		for _, name := range l.hides {
			hidden[name] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *Overlay) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	const op = "overlay.Overlay.ReadDir"

	d, err := o.snapshot(dir)
	if err != nil {
		return nil, err
	}
	if d.typ != sandboxfs.TypeDirectory {
		return nil, sandboxfs.ErrNotADirectory
	}
	all, err := o.merged(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].Name > after })
	all = all[i:]
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	return all, nil
}

// lowerPositive reports whether a lower layer still shows name in d,
// so that removing it from the overlay needs a whiteout.
func (o *Overlay) lowerPositive(ctx context.Context, d node, name string) (bool, error) {
	if d.opaque {
		return false, nil
	}
	for _, ref := range d.lowers {
		_, _, hidden, err := o.lowerChild(ctx, ref, name)
		if err != nil {
			if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
				continue
			}
			return false, err
		}
		return !hidden, nil
	}
	return false, nil
}

// upperWhiteout reports whether the upper directory dir records a
// whiteout for name.
func (o *Overlay) upperWhiteout(ctx context.Context, dir sandboxfs.Handle, name string) (bool, error) {
	if o.format == WhiteoutFile {
		_, err := o.upper.Lookup(ctx, dir, whiteoutName(name))
		if err == nil {
			return true, nil
		}
		if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	h, err := o.upper.Lookup(ctx, dir, name)
	if err != nil {
		if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	attr, err := o.upper.Getattr(ctx, h)
	if err != nil {
		return false, err
	}
	return isWhiteoutAttr(attr), nil
}

func (o *Overlay) createWhiteout(ctx context.Context, dir sandboxfs.Handle, name string) error {
	if o.format == WhiteoutFile {
		_, err := o.upper.Create(ctx, dir, whiteoutName(name), sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular})
		if sandboxfs.ErrnoOf(err) == sandboxfs.ErrAlreadyExists {
			return nil
		}
		return err
	}
	_, err := o.upper.Create(ctx, dir, name, sandboxfs.NodeSpec{Type: sandboxfs.TypeCharDevice})
	return err
}

// place creates name in the upper directory dir through build, taking
// over a whiteout that may occupy the name. Non-directories replace a
// character-device whiteout atomically when the upper layer can rename
// atomically; sentinel whiteouts are removed once the new node exists.
func (o *Overlay) place(ctx context.Context, dir sandboxfs.Handle, name string, isDir bool, build func(name string) (sandboxfs.Handle, error)) (sandboxfs.Handle, error) {
	wh, err := o.upperWhiteout(ctx, dir, name)
	if err != nil {
		return 0, err
	}
	if !wh {
		return build(name)
	}

	if o.format == WhiteoutFile {
		h, err := build(name)
		if err != nil {
			return 0, err
		}
		if err := o.upper.Unlink(ctx, dir, whiteoutName(name)); err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
			o.logger.Warn("failed to remove whiteout", "name", name, "error", err)
		}
		return h, nil
	}

	if isDir || o.upperCaps.AtomicRename != sandboxfs.Native {
		if err := o.upper.Unlink(ctx, dir, name); err != nil {
			return 0, err
		}
		return build(name)
	}
	tmp := tempName()
	h, err := build(tmp)
	if err != nil {
		o.discard(ctx, dir, tmp, false)
		return 0, err
	}
	if err := o.upper.Rename(ctx, dir, tmp, dir, name, 0); err != nil {
		o.discard(ctx, dir, tmp, false)
		return 0, err
	}
	return h, nil
}

// removeWithWhiteout removes name from the overlay when a lower layer
// still has it: the upper entry, if any, goes and a whiteout takes its
// place.
func (o *Overlay) removeWithWhiteout(ctx context.Context, dir sandboxfs.Handle, name string, hasUpper, isDir bool) error {
	if !hasUpper {
		return o.createWhiteout(ctx, dir, name)
	}
	if o.format == WhiteoutFile {
		if err := o.createWhiteout(ctx, dir, name); err != nil {
			return err
		}
		return o.removeUpper(ctx, dir, name, isDir)
	}
	if !isDir && o.upperCaps.AtomicRename == sandboxfs.Native {
		tmp := tempName()
		if err := o.createWhiteout(ctx, dir, tmp); err != nil {
			return err
		}
		if err := o.upper.Rename(ctx, dir, tmp, dir, name, 0); err != nil {
			o.discard(ctx, dir, tmp, false)
			return err
		}
		return nil
	}
	if err := o.removeUpper(ctx, dir, name, isDir); err != nil {
		return err
	}
	return o.createWhiteout(ctx, dir, name)
}

func (o *Overlay) removeUpper(ctx context.Context, dir sandboxfs.Handle, name string, isDir bool) error {
	if isDir {
		return o.upper.Rmdir(ctx, dir, name)
	}
	return o.upper.Unlink(ctx, dir, name)
}

// clearUpperDir removes the reserved entries of an upper directory whose
// merged view is empty, so the upper layer can remove or replace it.
func (o *Overlay) clearUpperDir(ctx context.Context, dir sandboxfs.Handle) error {
	raw, err := listAll(ctx, o.upper, dir)
	if err != nil {
		return err
	}
	for _, e := range raw {
		if err := o.upper.Unlink(ctx, dir, e.Name); err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
			return err
		}
	}
	return nil
}

// checkCreate validates name for a new entry in dir and reports whether
// a lower layer holds the name underneath a whiteout.
func (o *Overlay) checkCreate(ctx context.Context, d node, name string) (shadowsLower bool, err error) {
	if err := sandboxfs.ValidName(name); err != nil {
		return false, err
	}
	if isReserved(name) {
		return false, sandboxfs.ErrInvalid
	}
	if d.typ != sandboxfs.TypeDirectory {
		return false, sandboxfs.ErrNotADirectory
	}
	_, err = o.findChild(ctx, d, name)
	switch {
	case err == nil:
		return false, sandboxfs.ErrAlreadyExists
	case sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound:
		return false, err
	}
	if d.opaque {
		return false, nil
	}
	for _, ref := range d.lowers {
		if _, err := o.lowers[ref.layer].Lookup(ctx, ref.h, name); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func (o *Overlay) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	const op = "overlay.Overlay.Mkdir"
	if err := o.writableUpper(); err != nil {
		return 0, err
	}
	o.ns.Lock()
	defer o.ns.Unlock()

	d, err := o.snapshot(dir)
	if err != nil {
		return 0, err
	}
	shadows, err := o.checkCreate(ctx, d, name)
	if err != nil {
		return 0, err
	}
	ud, err := o.upperDirLocked(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}

	uh, err := o.place(ctx, ud, name, true, func(name string) (sandboxfs.Handle, error) {
		h, err := o.upper.Mkdir(ctx, ud, name, spec)
		if err != nil || !shadows {
			return h, err
		}
		// A directory created over a deleted lower name must not show
		// the lower directory's old entries.
		if err := o.markOpaque(ctx, h); err != nil {
			o.discard(ctx, ud, name, true)
			return 0, err
		}
		return h, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return o.intern(dir, name, node{typ: sandboxfs.TypeDirectory, upper: uh, opaque: shadows}), nil
}

func (o *Overlay) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "overlay.Overlay.Rmdir"
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
	if child.typ != sandboxfs.TypeDirectory {
		return sandboxfs.ErrNotADirectory
	}
	entries, err := o.merged(ctx, child)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if len(entries) > 0 {
		return sandboxfs.ErrNotEmpty
	}
	if child.upper != 0 {
		if err := o.clearUpperDir(ctx, child.upper); err != nil {
			return fmt.Errorf("%s: %s: %w", op, name, err)
		}
	}

	lowerPos, err := o.lowerPositive(ctx, d, name)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if !lowerPos {
		return o.removeUpper(ctx, d.upper, name, true)
	}
	ud, err := o.upperDirLocked(ctx, dir)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if err := o.removeWithWhiteout(ctx, ud, name, child.upper != 0, true); err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	o.detach(child)
	o.logger.Debug("whiteout created", "name", name, "type", "directory")
	return nil
}

// isAncestor reports whether a is dir or one of its ancestors.
func (o *Overlay) isAncestor(a, dir sandboxfs.Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for h := dir; ; {
		if h == a {
			return true
		}
		n, ok := o.nodes[h]
		if !ok || h == o.root {
			return false
		}
		h = n.parent
	}
}

// hasLowerContent reports whether a directory merges any lower layer.
func hasLowerContent(n node) bool {
	return n.typ == sandboxfs.TypeDirectory && len(n.lowers) > 0
}
