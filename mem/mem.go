// Package mem implements an in-memory sandboxfs backend with native
// support for every capability.
package mem

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
)

type node struct {
	attr     sandboxfs.Attr
	data     []byte
	target   string
	children map[string]sandboxfs.Handle
	parent   sandboxfs.Handle
	xattrs   map[string][]byte
	pins     int
}

// Backend is an in-memory filesystem. Nodes live until their link
// count and open count are both zero.
type Backend struct {
	mu     sync.RWMutex
	nodes  map[sandboxfs.Handle]*node
	next   sandboxfs.Handle
	root   sandboxfs.Handle
	caps   sandboxfs.Capabilities
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source for timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCapabilities overrides the declared capability set. Operations
// are not restricted by it; the VFS is expected to enforce it.
func WithCapabilities(caps sandboxfs.Capabilities) Option {
	return func(b *Backend) {
		b.caps = caps
	}
}

// New returns an empty filesystem whose root is mode 0755 and owned by
// root.
func New(opts ...Option) *Backend {
	b := &Backend{
		nodes:  make(map[sandboxfs.Handle]*node),
		next:   1,
		caps:   sandboxfs.AllNative(),
		clock:  clock.Real(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	h, root := b.newNodeLocked(sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory, Mode: 0o755})
	root.parent = h
	b.root = h
	return b
}

var _ sandboxfs.Backend = (*Backend)(nil)

func (b *Backend) Capabilities() sandboxfs.Capabilities { return b.caps }

func (b *Backend) Root() sandboxfs.Handle { return b.root }

// Len returns the number of live nodes, the root included.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

func (b *Backend) newNodeLocked(spec sandboxfs.NodeSpec) (sandboxfs.Handle, *node) {
	h := b.next
	b.next++
	now := b.clock.Now()
	n := &node{
		attr: sandboxfs.Attr{
			Ino:   uint64(h),
			Type:  spec.Type,
			Mode:  spec.Mode & sandboxfs.PermMask,
			Uid:   spec.Uid,
			Gid:   spec.Gid,
			Nlink: 1,
			Rdev:  spec.Rdev,
			Atime: now,
			Mtime: now,
			Ctime: now,
		},
	}
	if spec.Type == sandboxfs.TypeDirectory {
		n.children = make(map[string]sandboxfs.Handle)
		n.attr.Nlink = 2
	}
	b.nodes[h] = n
	return h, n
}

func (b *Backend) get(h sandboxfs.Handle) (*node, error) {
	n, ok := b.nodes[h]
	if !ok {
		return nil, sandboxfs.ErrStaleInode
	}
	return n, nil
}

func (b *Backend) dir(h sandboxfs.Handle) (*node, error) {
	n, err := b.get(h)
	if err != nil {
		return nil, err
	}
	if n.attr.Type != sandboxfs.TypeDirectory {
		return nil, sandboxfs.ErrNotADirectory
	}
	return n, nil
}

// touchDir records an entry change in d.
func (b *Backend) touchDir(d *node) {
	now := b.clock.Now()
	d.attr.Mtime, d.attr.Ctime = now, now
	d.attr.Gen++
}

// reclaimLocked drops n once nothing references it.
func (b *Backend) reclaimLocked(h sandboxfs.Handle, n *node) {
	if n.attr.Nlink == 0 && n.pins == 0 && h != b.root {
		delete(b.nodes, h)
		b.logger.Debug("node reclaimed", "handle", uint64(h), "type", n.attr.Type.String())
	}
}

func (b *Backend) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, err := b.dir(dir)
	if err != nil {
		return 0, err
	}
	switch name {
	case ".":
		return dir, nil
	case "..":
		return d.parent, nil
	}
	h, ok := d.children[name]
	if !ok {
		return 0, sandboxfs.ErrNotFound
	}
	return h, nil
}

func (b *Backend) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, err := b.get(h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	return n.attr, nil
}

func (b *Backend) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	set.Apply(&n.attr, b.clock.Now())
	return n.attr, nil
}

func (b *Backend) insertLocked(dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, *node, error) {
	if err := sandboxfs.ValidName(name); err != nil {
		return 0, nil, err
	}
	d, err := b.dir(dir)
	if err != nil {
		return 0, nil, err
	}
	if _, ok := d.children[name]; ok {
		return 0, nil, sandboxfs.ErrAlreadyExists
	}
	h, n := b.newNodeLocked(spec)
	if spec.Type == sandboxfs.TypeDirectory {
		n.parent = dir
		d.attr.Nlink++
	}
	d.children[name] = h
	b.touchDir(d)
	return h, n, nil
}

// Create makes a regular file, or a device, fifo or socket node when
// spec says so.
func (b *Backend) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch spec.Type {
	case sandboxfs.TypeUnknown:
		spec.Type = sandboxfs.TypeRegular
	case sandboxfs.TypeDirectory, sandboxfs.TypeSymlink:
		return 0, sandboxfs.ErrInvalid
	}
	h, _, err := b.insertLocked(dir, name, spec)
	return h, err
}

func (b *Backend) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	spec.Type = sandboxfs.TypeDirectory
	h, _, err := b.insertLocked(dir, name, spec)
	return h, err
}

func (b *Backend) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	spec.Type = sandboxfs.TypeSymlink
	if spec.Mode == 0 {
		spec.Mode = 0o777
	}
	h, n, err := b.insertLocked(dir, name, spec)
	if err != nil {
		return 0, err
	}
	n.target = target
	n.attr.Size = int64(len(target))
	return h, nil
}

func (b *Backend) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, err := b.get(h)
	if err != nil {
		return "", err
	}
	if n.attr.Type != sandboxfs.TypeSymlink {
		return "", sandboxfs.ErrInvalid
	}
	return n.target, nil
}

func (b *Backend) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	n, err := b.get(h)
	if err != nil {
		return err
	}
	if n.attr.Type == sandboxfs.TypeDirectory {
		return sandboxfs.ErrPermissionDenied
	}
	if n.attr.Nlink == 0 {
		return sandboxfs.ErrNotFound
	}
	d, err := b.dir(dir)
	if err != nil {
		return err
	}
	if _, ok := d.children[name]; ok {
		return sandboxfs.ErrAlreadyExists
	}
	d.children[name] = h
	n.attr.Nlink++
	n.attr.Ctime = b.clock.Now()
	b.touchDir(d)
	return nil
}

func (b *Backend) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.dir(dir)
	if err != nil {
		return err
	}
	h, ok := d.children[name]
	if !ok {
		return sandboxfs.ErrNotFound
	}
	n := b.nodes[h]
	if n.attr.Type == sandboxfs.TypeDirectory {
		return sandboxfs.ErrIsADirectory
	}
	delete(d.children, name)
	b.touchDir(d)
	n.attr.Nlink--
	n.attr.Ctime = b.clock.Now()
	b.reclaimLocked(h, n)
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.dir(dir)
	if err != nil {
		return err
	}
	h, ok := d.children[name]
	if !ok {
		return sandboxfs.ErrNotFound
	}
	n := b.nodes[h]
	switch {
	case n.attr.Type != sandboxfs.TypeDirectory:
		return sandboxfs.ErrNotADirectory
	case len(n.children) > 0:
		return sandboxfs.ErrNotEmpty
	}
	delete(d.children, name)
	d.attr.Nlink--
	b.touchDir(d)
	n.attr.Nlink = 0
	b.reclaimLocked(h, n)
	return nil
}

// isWithin reports whether dir is h or one of its descendants.
func (b *Backend) isWithin(dir, h sandboxfs.Handle) bool {
	for cur := dir; ; {
		if cur == h {
			return true
		}
		n, ok := b.nodes[cur]
		if !ok || cur == b.root {
			return false
		}
		cur = n.parent
	}
}

func (b *Backend) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := sandboxfs.ValidName(dstName); err != nil {
		return err
	}
	sd, err := b.dir(srcDir)
	if err != nil {
		return err
	}
	dd, err := b.dir(dstDir)
	if err != nil {
		return err
	}
	h, ok := sd.children[srcName]
	if !ok {
		return sandboxfs.ErrNotFound
	}
	n := b.nodes[h]
	isDir := n.attr.Type == sandboxfs.TypeDirectory
	if isDir && b.isWithin(dstDir, h) {
		return sandboxfs.ErrInvalid
	}

	var victim *node
	vh, exists := dd.children[dstName]
	if exists {
		if flags&sandboxfs.RenameNoReplace != 0 {
			return sandboxfs.ErrAlreadyExists
		}
		if vh == h {
			return nil
		}
		victim = b.nodes[vh]
		vDir := victim.attr.Type == sandboxfs.TypeDirectory
		switch {
		case isDir && !vDir:
			return sandboxfs.ErrNotADirectory
		case !isDir && vDir:
			return sandboxfs.ErrIsADirectory
		case vDir && len(victim.children) > 0:
			return sandboxfs.ErrNotEmpty
		}
	}

	delete(sd.children, srcName)
	dd.children[dstName] = h
	if victim != nil {
		if victim.attr.Type == sandboxfs.TypeDirectory {
			victim.attr.Nlink = 0
			dd.attr.Nlink--
		} else {
			victim.attr.Nlink--
		}
		victim.attr.Ctime = b.clock.Now()
		b.reclaimLocked(vh, victim)
	}
	if isDir && srcDir != dstDir {
		n.parent = dstDir
		sd.attr.Nlink--
		dd.attr.Nlink++
	}
	n.attr.Ctime = b.clock.Now()
	b.touchDir(sd)
	if dstDir != srcDir {
		b.touchDir(dd)
	}
	return nil
}

func (b *Backend) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, err := b.dir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		if name > after {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	out := make([]sandboxfs.DirEntry, len(names))
	for i, name := range names {
		h := d.children[name]
		out[i] = sandboxfs.DirEntry{
			Name:   name,
			Type:   b.nodes[h].attr.Type,
			Ino:    uint64(h),
			Handle: h,
		}
	}
	return out, nil
}

func (b *Backend) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(h)
	if err != nil {
		return err
	}
	if n.attr.Type == sandboxfs.TypeDirectory && flags.Writable() {
		return sandboxfs.ErrIsADirectory
	}
	n.pins++
	return nil
}

func (b *Backend) Release(ctx context.Context, h sandboxfs.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(h)
	if err != nil {
		return err
	}
	if n.pins > 0 {
		n.pins--
	}
	b.reclaimLocked(h, n)
	return nil
}

func (b *Backend) file(h sandboxfs.Handle) (*node, error) {
	n, err := b.get(h)
	if err != nil {
		return nil, err
	}
	switch n.attr.Type {
	case sandboxfs.TypeRegular:
		return n, nil
	case sandboxfs.TypeDirectory:
		return nil, sandboxfs.ErrIsADirectory
	default:
		return nil, sandboxfs.ErrInvalid
	}
}

func (b *Backend) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, err := b.file(h)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	return copy(p, n.data[off:]), nil
}

func (b *Backend) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.file(h)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	end := off + int64(len(p))
	if end > int64(len(n.data)) {
		n.data = grow(n.data, end)
	}
	copy(n.data[off:], p)
	n.attr.Size = int64(len(n.data))
	now := b.clock.Now()
	n.attr.Mtime, n.attr.Ctime = now, now
	return len(p), nil
}

func grow(data []byte, size int64) []byte {
	if int64(cap(data)) >= size {
		return data[:size]
	}
	next := make([]byte, size, size+size/4)
	copy(next, data)
	return next
}

func (b *Backend) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.file(h)
	if err != nil {
		return err
	}
	if size < 0 {
		return sandboxfs.ErrInvalid
	}
	if size > int64(len(n.data)) {
		n.data = grow(n.data, size)
	} else {
		clear(n.data[size:])
		n.data = n.data[:size]
	}
	n.attr.Size = size
	now := b.clock.Now()
	n.attr.Mtime, n.attr.Ctime = now, now
	return nil
}

func (b *Backend) Sync(ctx context.Context, h sandboxfs.Handle) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, err := b.get(h)
	return err
}

func (b *Backend) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, err := b.get(h)
	if err != nil {
		return nil, err
	}
	v, ok := n.xattrs[name]
	if !ok {
		return nil, sandboxfs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *Backend) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return sandboxfs.ErrInvalid
	}
	n, err := b.get(h)
	if err != nil {
		return err
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[name] = append([]byte(nil), value...)
	n.attr.Ctime = b.clock.Now()
	return nil
}

func (b *Backend) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, err := b.get(h)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.xattrs))
	for name := range n.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.get(h)
	if err != nil {
		return err
	}
	if _, ok := n.xattrs[name]; !ok {
		return sandboxfs.ErrNotFound
	}
	delete(n.xattrs, name)
	n.attr.Ctime = b.clock.Now()
	return nil
}

// Forget is a no-op: nodes are reclaimed by link and open counts.
func (b *Backend) Forget(h sandboxfs.Handle) {}
