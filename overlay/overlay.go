// Package overlay composes one writable upper backend and any number of
// read-only lower backends into a single sandboxfs backend, following
// the Linux overlayfs on-disk conventions.
//
// Deletions of lower-layer names are recorded in the upper layer as
// whiteouts and directories that replace lower directories are marked
// opaque. Files that exist only in a lower layer are copied up to the
// upper layer before their first modification.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
)

const (
	// WhiteoutPrefix starts the name of a whiteout sentinel file (AUFS
	// style). Names with this prefix are reserved inside the overlay.
	WhiteoutPrefix = ".wh."
	// OpaqueSentinel marks a directory opaque when the upper layer
	// cannot store the opaque xattr.
	OpaqueSentinel = ".wh..wh..opq"
	// OpaqueXattr marks a directory opaque when its value is "y".
	OpaqueXattr = "trusted.overlay.opaque"

	tempPrefix     = ".wh..wh.tmp."
	reservedXattrs = "trusted.overlay."
)

// WhiteoutFormat selects how deletions are recorded in the upper layer.
type WhiteoutFormat int

const (
	// WhiteoutAuto uses character devices when the upper layer has
	// native device nodes and sentinel files otherwise.
	WhiteoutAuto WhiteoutFormat = iota
	// WhiteoutCharDev records a deletion as a character device 0/0.
	WhiteoutCharDev
	// WhiteoutFile records a deletion as an empty ".wh.<name>" file.
	WhiteoutFile
)

// ParseWhiteoutFormat maps "auto", "chardev" and "file" to a format.
func ParseWhiteoutFormat(s string) (WhiteoutFormat, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return WhiteoutAuto, nil
	case "chardev", "char", "device":
		return WhiteoutCharDev, nil
	case "file", "aufs":
		return WhiteoutFile, nil
	}
	return 0, fmt.Errorf("overlay: unknown whiteout format %q: %w", s, sandboxfs.ErrInvalid)
}

func (f WhiteoutFormat) String() string {
	switch f {
	case WhiteoutCharDev:
		return "chardev"
	case WhiteoutFile:
		return "file"
	default:
		return "auto"
	}
}

var (
	// ErrNoWritableLayer is returned when a write is attempted on an
	// overlay built without an upper layer.
	ErrNoWritableLayer = fmt.Errorf("overlay: no writable layer: %w", sandboxfs.ErrReadOnly)
)

// layerRef names a node in one lower layer.
type layerRef struct {
	layer int
	h     sandboxfs.Handle
}

type node struct {
	// parent and name are the last place the node was seen.
	parent sandboxfs.Handle
	name   string
	typ    sandboxfs.FileType

	upper sandboxfs.Handle
	// lowers holds the origin of a non-directory, or every merged
	// lower directory in precedence order.
	lowers []layerRef
	opaque bool

	upperPins int
	lowerPins int

	// removed marks a lower-only node whose name was unlinked or
	// replaced. It must not be copied back up under that name.
	removed bool
}

// Overlay is the union of an upper layer and lower layers.
type Overlay struct {
	upper  sandboxfs.Backend
	lowers []sandboxfs.Backend

	upperCaps       sandboxfs.Capabilities
	caps            sandboxfs.Capabilities
	format          WhiteoutFormat
	nonAtomicCopyUp bool
	copyBufferSize  int
	logger          *slog.Logger
	clock           clock.Clock
	cache           *Cache

	// ns serializes namespace changes and copy-up.
	ns sync.Mutex

	mu      sync.Mutex
	nodes   map[sandboxfs.Handle]*node
	byUpper map[sandboxfs.Handle]sandboxfs.Handle
	byLower map[layerRef]sandboxfs.Handle
	next    sandboxfs.Handle
	root    sandboxfs.Handle
}

// Option is a functional option for configuring an Overlay.
type Option func(*Overlay)

// WithUpper sets the writable layer. Without one the overlay is
// read-only.
func WithUpper(b sandboxfs.Backend) Option {
	return func(o *Overlay) {
		o.upper = b
	}
}

// WithLower appends a read-only layer. Layers added first take
// precedence.
func WithLower(b sandboxfs.Backend) Option {
	return func(o *Overlay) {
		o.lowers = append(o.lowers, b)
	}
}

// WithWhiteoutFormat selects the whiteout representation.
func WithWhiteoutFormat(f WhiteoutFormat) Option {
	return func(o *Overlay) {
		o.format = f
	}
}

// WithNonAtomicCopyUp allows copy-up on an upper layer without native
// atomic rename. The copy is written in place and removed on failure.
func WithNonAtomicCopyUp() Option {
	return func(o *Overlay) {
		o.nonAtomicCopyUp = true
	}
}

// WithCopyBufferSize sets the buffer size for copy-up.
func WithCopyBufferSize(size int) Option {
	return func(o *Overlay) {
		if size > 0 {
			o.copyBufferSize = size
		}
	}
}

// WithLowerCache caches lookups in lower layers, which never change.
func WithLowerCache(ttl, negativeTTL time.Duration, maxEntries int) Option {
	return func(o *Overlay) {
		o.cache = newCache(true, ttl, negativeTTL, maxEntries)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overlay) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source of the lower cache.
func WithClock(c clock.Clock) Option {
	return func(o *Overlay) {
		if c != nil {
			o.clock = c
		}
	}
}

// New builds an overlay. At least one layer is required.
func New(ctx context.Context, opts ...Option) (*Overlay, error) {
	const op = "overlay.New"

	o := &Overlay{
		copyBufferSize: 32 * 1024,
		logger:         slog.New(slog.DiscardHandler),
		clock:          clock.Real(),
		nodes:          make(map[sandboxfs.Handle]*node),
		byUpper:        make(map[sandboxfs.Handle]sandboxfs.Handle),
		byLower:        make(map[layerRef]sandboxfs.Handle),
		next:           1,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = newCache(false, 0, 0, 0)
	}
	o.cache.clock = o.clock
	if o.upper == nil && len(o.lowers) == 0 {
		return nil, fmt.Errorf("%s: no layers: %w", op, sandboxfs.ErrInvalid)
	}

	if o.upper != nil {
		o.upperCaps = o.upper.Capabilities()
		if o.upperCaps.ReadOnly {
			return nil, fmt.Errorf("%s: upper layer is read-only: %w", op, sandboxfs.ErrReadOnly)
		}
		if o.format == WhiteoutAuto {
			o.format = WhiteoutFile
			if o.upperCaps.DeviceNodes == sandboxfs.Native {
				o.format = WhiteoutCharDev
			}
		}
		if o.format == WhiteoutCharDev && !o.upperCaps.DeviceNodes.Available() {
			return nil, fmt.Errorf("%s: chardev whiteouts need device nodes: %w", op, sandboxfs.ErrNotSupported)
		}
	}
	o.caps = o.capabilities()

	root := &node{typ: sandboxfs.TypeDirectory}
	if o.upper != nil {
		root.upper = o.upper.Root()
		opaque, err := o.isOpaque(ctx, root.upper)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		root.opaque = opaque
	}
	if !root.opaque {
		for i, l := range o.lowers {
			root.lowers = append(root.lowers, layerRef{layer: i, h: l.Root()})
		}
	}
	o.root = o.next
	o.next++
	root.parent = o.root
	o.nodes[o.root] = root
	o.register(o.root, root)

	o.logger.Debug("overlay ready",
		"lowers", len(o.lowers),
		"writable", o.upper != nil,
		"whiteout", o.format.String(),
		"caps", o.caps.String())
	return o, nil
}

var _ sandboxfs.Backend = (*Overlay)(nil)

// capabilities derives the overlay's declaration from the upper layer.
// Reads of lower layers need no capability beyond lookup. Renaming a
// directory with lower content fails with ErrCrossDevice instead of
// weakening AtomicRename.
func (o *Overlay) capabilities() sandboxfs.Capabilities {
	if o.upper == nil {
		c := sandboxfs.Capabilities{ReadOnly: true, Symlinks: sandboxfs.Native, CaseSensitive: sandboxfs.Native}
		for _, l := range o.lowers {
			lc := l.Capabilities()
			c.PosixPermissions = max(c.PosixPermissions, lc.PosixPermissions)
			c.Xattrs = max(c.Xattrs, lc.Xattrs)
			c.SparseFiles = max(c.SparseFiles, lc.SparseFiles)
		}
		return c
	}
	return o.upperCaps
}

func (o *Overlay) Capabilities() sandboxfs.Capabilities { return o.caps }

func (o *Overlay) Root() sandboxfs.Handle { return o.root }

// Layers returns the number of lower layers.
func (o *Overlay) Layers() int { return len(o.lowers) }

// Close closes every layer that holds resources.
func (o *Overlay) Close() error {
	var errs []error
	if c, ok := o.upper.(sandboxfs.Closer); ok {
		errs = append(errs, c.Close())
	}
	for _, l := range o.lowers {
		if c, ok := l.(sandboxfs.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// isReserved reports whether name belongs to the overlay itself.
func isReserved(name string) bool {
	return strings.HasPrefix(name, WhiteoutPrefix)
}

// whiteoutName returns the sentinel name that hides name.
func whiteoutName(name string) string {
	return WhiteoutPrefix + name
}

// originalName returns the name a sentinel hides.
func originalName(sentinel string) (string, bool) {
	if !strings.HasPrefix(sentinel, WhiteoutPrefix) || sentinel == OpaqueSentinel || strings.HasPrefix(sentinel, tempPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(sentinel, WhiteoutPrefix)
	return name, name != ""
}

// isWhiteoutAttr reports whether attr is a character-device whiteout.
func isWhiteoutAttr(a sandboxfs.Attr) bool {
	return a.Type == sandboxfs.TypeCharDevice && a.Rdev == 0
}

func (o *Overlay) get(h sandboxfs.Handle) (*node, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodes[h]
	if !ok {
		return nil, sandboxfs.ErrStaleInode
	}
	return n, nil
}

// snapshot copies the fields of h under the table lock.
func (o *Overlay) snapshot(h sandboxfs.Handle) (node, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodes[h]
	if !ok {
		return node{}, sandboxfs.ErrStaleInode
	}
	cp := *n
	cp.lowers = append([]layerRef(nil), n.lowers...)
	return cp, nil
}

func (o *Overlay) register(h sandboxfs.Handle, n *node) {
	if n.upper != 0 {
		o.byUpper[n.upper] = h
	}
	if len(n.lowers) > 0 {
		o.byLower[n.lowers[0]] = h
	}
}

// detach marks the node behind a removed lower-only entry. Handles
// still held for it keep reading the lower copy but can no longer copy
// it up.
func (o *Overlay) detach(found node) {
	if found.upper != 0 || len(found.lowers) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.byLower[found.lowers[0]]; ok {
		if n, ok := o.nodes[h]; ok {
			n.removed = true
		}
	}
}

// intern returns the overlay handle for a child found by lookup,
// reusing the handle of the same upper or lower node.
func (o *Overlay) intern(parent sandboxfs.Handle, name string, found node) sandboxfs.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		h  sandboxfs.Handle
		ok bool
	)
	if found.upper != 0 {
		h, ok = o.byUpper[found.upper]
	}
	if !ok && len(found.lowers) > 0 {
		h, ok = o.byLower[found.lowers[0]]
	}
	if ok {
		n := o.nodes[h]
		n.parent, n.name = parent, name
		n.removed = false
		n.typ = found.typ
		n.opaque = found.opaque
		if found.upper != 0 {
			n.upper = found.upper
		}
		if n.typ == sandboxfs.TypeDirectory || n.upper == 0 {
			n.lowers = found.lowers
		}
		o.register(h, n)
		return h
	}

	h = o.next
	o.next++
	n := found
	n.parent, n.name = parent, name
	o.nodes[h] = &n
	o.register(h, &n)
	return h
}

// layerFor returns the backend and handle that currently hold the data
// of n: the upper node when present, otherwise the lower origin.
func (o *Overlay) layerFor(n node) (sandboxfs.Backend, sandboxfs.Handle, error) {
	if n.upper != 0 {
		return o.upper, n.upper, nil
	}
	if len(n.lowers) > 0 {
		ref := n.lowers[0]
		return o.lowers[ref.layer], ref.h, nil
	}
	return nil, 0, sandboxfs.ErrStaleInode
}

func (o *Overlay) writableUpper() error {
	if o.upper == nil {
		return ErrNoWritableLayer
	}
	return nil
}

func (o *Overlay) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	const op = "overlay.Overlay.Lookup"

	d, err := o.snapshot(dir)
	if err != nil {
		return 0, err
	}
	if d.typ != sandboxfs.TypeDirectory {
		return 0, sandboxfs.ErrNotADirectory
	}
	switch name {
	case ".":
		return dir, nil
	case "..":
		return d.parent, nil
	}
	if err := sandboxfs.ValidName(name); err != nil {
		return 0, err
	}
	if isReserved(name) {
		return 0, sandboxfs.ErrNotFound
	}

	found, err := o.findChild(ctx, d, name)
	if err != nil {
		if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
			return 0, sandboxfs.ErrNotFound
		}
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return o.intern(dir, name, found), nil
}

// findChild resolves name in directory d across the layers. The upper
// layer answers first; a whiteout there ends the search, as does an
// opaque parent. Lower layers are consulted in order and the first hit
// wins, except that a directory hit merges the same-named directories
// of the layers below it until one of them is opaque.
func (o *Overlay) findChild(ctx context.Context, d node, name string) (node, error) {
	var found node
	if d.upper != 0 {
		h, attr, err := o.upperChild(ctx, d.upper, name)
		switch {
		case err == nil && h == 0:
			return found, sandboxfs.ErrNotFound
		case err == nil:
			found.upper, found.typ = h, attr.Type
			if attr.Type != sandboxfs.TypeDirectory {
				return found, nil
			}
			opaque, err := o.isOpaque(ctx, h)
			if err != nil {
				return found, err
			}
			found.opaque = opaque
			if opaque {
				return found, nil
			}
		case sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound:
			return found, err
		}
	}
	if d.opaque {
		if found.upper != 0 {
			return found, nil
		}
		return found, sandboxfs.ErrNotFound
	}

	for _, ref := range d.lowers {
		h, attr, hidden, err := o.lowerChild(ctx, ref, name)
		if err != nil {
			if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
				continue
			}
			return found, err
		}
		if hidden {
			break
		}
		if found.typ == 0 {
			found.typ = attr.Type
		}
		if found.typ != sandboxfs.TypeDirectory {
			if found.upper == 0 {
				found.lowers = []layerRef{{layer: ref.layer, h: h}}
			}
			return found, nil
		}
		if attr.Type != sandboxfs.TypeDirectory {
			// A lower non-directory under a directory is shadowed.
			break
		}
		found.lowers = append(found.lowers, layerRef{layer: ref.layer, h: h})
		opaque, err := o.lowerOpaque(ctx, ref.layer, h)
		if err != nil {
			return found, err
		}
		if opaque {
			break
		}
	}
	if found.typ == 0 {
		return found, sandboxfs.ErrNotFound
	}
	return found, nil
}

// upperChild looks name up in the upper directory dir. A zero handle
// with a nil error means name is whited out.
func (o *Overlay) upperChild(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, sandboxfs.Attr, error) {
	h, err := o.upper.Lookup(ctx, dir, name)
	if err != nil {
		if sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
			return 0, sandboxfs.Attr{}, err
		}
		if o.format == WhiteoutFile && len(o.lowers) > 0 {
			if _, err := o.upper.Lookup(ctx, dir, whiteoutName(name)); err == nil {
				return 0, sandboxfs.Attr{}, nil
			}
		}
		return 0, sandboxfs.Attr{}, sandboxfs.ErrNotFound
	}
	attr, err := o.upper.Getattr(ctx, h)
	if err != nil {
		return 0, attr, err
	}
	if o.format == WhiteoutCharDev && isWhiteoutAttr(attr) {
		return 0, attr, nil
	}
	return h, attr, nil
}

// lowerChild looks name up in one lower directory. Lower layers may be
// former upper layers, so both whiteout forms are honored there.
func (o *Overlay) lowerChild(ctx context.Context, ref layerRef, name string) (sandboxfs.Handle, sandboxfs.Attr, bool, error) {
	l := o.lowers[ref.layer]
	if e, ok := o.cache.get(ref, name); ok {
		if e.negative {
			return 0, sandboxfs.Attr{}, false, sandboxfs.ErrNotFound
		}
		return e.h, e.attr, e.hidden, nil
	}

	h, err := l.Lookup(ctx, ref.h, name)
	if err != nil {
		if sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
			return 0, sandboxfs.Attr{}, false, err
		}
		if _, err := l.Lookup(ctx, ref.h, whiteoutName(name)); err == nil {
			o.cache.put(ref, name, cacheEntry{hidden: true})
			return 0, sandboxfs.Attr{}, true, nil
		}
		o.cache.put(ref, name, cacheEntry{negative: true})
		return 0, sandboxfs.Attr{}, false, sandboxfs.ErrNotFound
	}
	attr, err := l.Getattr(ctx, h)
	if err != nil {
		return 0, attr, false, err
	}
	hidden := isWhiteoutAttr(attr)
	o.cache.put(ref, name, cacheEntry{h: h, attr: attr, hidden: hidden})
	return h, attr, hidden, nil
}

// isOpaque reports whether the upper directory dir hides lower content.
func (o *Overlay) isOpaque(ctx context.Context, dir sandboxfs.Handle) (bool, error) {
	return opaqueIn(ctx, o.upper, dir)
}

func (o *Overlay) lowerOpaque(ctx context.Context, layer int, dir sandboxfs.Handle) (bool, error) {
	return opaqueIn(ctx, o.lowers[layer], dir)
}

func opaqueIn(ctx context.Context, b sandboxfs.Backend, dir sandboxfs.Handle) (bool, error) {
	if b.Capabilities().Xattrs.Available() {
		v, err := b.GetXattr(ctx, dir, OpaqueXattr)
		if err == nil && string(v) == "y" {
			return true, nil
		}
	}
	if _, err := b.Lookup(ctx, dir, OpaqueSentinel); err == nil {
		return true, nil
	} else if k := sandboxfs.ErrnoOf(err); k != sandboxfs.ErrNotFound {
		return false, err
	}
	return false, nil
}

// markOpaque records that the upper directory dir hides lower content.
// The xattr is preferred; layers that refuse it get the sentinel file.
func (o *Overlay) markOpaque(ctx context.Context, dir sandboxfs.Handle) error {
	if o.upperCaps.Xattrs.Available() {
		err := o.upper.SetXattr(ctx, dir, OpaqueXattr, []byte("y"))
		if err == nil {
			return nil
		}
		switch sandboxfs.ErrnoOf(err) {
		case sandboxfs.ErrPermissionDenied, sandboxfs.ErrNotSupported:
		default:
			return err
		}
	}
	_, err := o.upper.Create(ctx, dir, OpaqueSentinel, sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o600})
	if sandboxfs.ErrnoOf(err) == sandboxfs.ErrAlreadyExists {
		return nil
	}
	return err
}

func (o *Overlay) Forget(h sandboxfs.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodes[h]
	if !ok || h == o.root || n.upperPins > 0 || n.lowerPins > 0 {
		return
	}
	delete(o.nodes, h)
	if n.upper != 0 && o.byUpper[n.upper] == h {
		delete(o.byUpper, n.upper)
	}
	if len(n.lowers) > 0 && o.byLower[n.lowers[0]] == h {
		delete(o.byLower, n.lowers[0])
	}
}
