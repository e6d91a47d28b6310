package sandboxfs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/absfs/sandboxfs/internal/clock"
	"github.com/absfs/sandboxfs/internal/logging"
)

// DefaultMaxSymlinks bounds symlink hops during one resolution, as
// MAXSYMLINKS does on Linux.
const DefaultMaxSymlinks = 40

// VFS is the syscall-facing filesystem: a mount table of backends with
// a shared inode table, dentry cache and descriptor tables.
type VFS struct {
	inodes   *InodeTable
	dentries *DentryCache
	mounts   *MountTable
	descs    *DescriptionTable
	fds      *fdTable
	locks    dirLocks
	lookups  singleflight.Group

	logger      *slog.Logger
	clock       clock.Clock
	creds       Credentials
	maxSymlinks int
	maxInodes   int
	timeout     time.Duration
	dentryCfg   DentryConfig

	// mu serializes mount and unmount and guards cwd.
	mu  sync.Mutex
	cwd InodeID
}

// Option is a functional option for configuring a VFS.
type Option func(*VFS)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(v *VFS) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock sets the time source used for cache expiry and timestamps.
func WithClock(c clock.Clock) Option {
	return func(v *VFS) {
		if c != nil {
			v.clock = c
		}
	}
}

// WithDentryCache enables or disables the dentry cache with the given
// positive TTL. Negative entries expire twice as fast.
func WithDentryCache(enabled bool, ttl time.Duration) Option {
	return func(v *VFS) {
		v.dentryCfg = DentryConfig{
			Enabled:     enabled,
			StatTTL:     ttl,
			NegativeTTL: ttl / 2,
			MaxEntries:  v.dentryCfg.MaxEntries,
		}
	}
}

// WithDentryConfig configures the dentry cache in full.
func WithDentryConfig(cfg DentryConfig) Option {
	return func(v *VFS) {
		v.dentryCfg = cfg
	}
}

// WithCredentials sets the identity permission checks run as. The
// default is root, which bypasses them.
func WithCredentials(creds Credentials) Option {
	return func(v *VFS) {
		v.creds = creds
	}
}

// WithMaxSymlinks overrides the symlink hop bound.
func WithMaxSymlinks(n int) Option {
	return func(v *VFS) {
		if n > 0 {
			v.maxSymlinks = n
		}
	}
}

// WithMaxInodes bounds the inode table; zero is unbounded.
func WithMaxInodes(n int) Option {
	return func(v *VFS) {
		v.maxInodes = n
	}
}

// WithTimeout sets the default deadline of operations whose context has
// none. Mount options may override it per mount.
func WithTimeout(d time.Duration) Option {
	return func(v *VFS) {
		v.timeout = d
	}
}

// New creates a VFS with no mounts. Mount a backend at "/" before use.
func New(opts ...Option) *VFS {
	v := &VFS{
		logger:      slog.New(slog.DiscardHandler),
		clock:       clock.Real(),
		maxSymlinks: DefaultMaxSymlinks,
		dentryCfg: DentryConfig{
			Enabled:     true,
			StatTTL:     5 * time.Second,
			NegativeTTL: 2 * time.Second,
			MaxEntries:  8192,
		},
	}
	for _, opt := range opts {
		opt(v)
	}

	v.mounts = NewMountTable()
	v.dentries = NewDentryCache(v.dentryCfg, v.clock)
	v.inodes = NewInodeTable(v.maxInodes, v.reclaim)
	v.descs = NewDescriptionTable(v.inodes, v.mounts, v.clock)
	v.fds = newFDTable()
	return v
}

// reclaim runs after the inode table drops an unlinked, unopened node.
func (v *VFS) reclaim(meta InodeMetadata) {
	if meta.Type == TypeDirectory {
		v.dentries.Forget(meta.ID)
	}
	if m := v.mounts.Get(meta.Mount); m != nil {
		m.Backend.Forget(meta.Handle)
	}
	v.logger.Debug("inode reclaimed", "ino", meta.ID, "mount", meta.Mount, "type", meta.Type.String())
}

// Inodes exposes the inode table.
func (v *VFS) Inodes() *InodeTable { return v.inodes }

// Dentries exposes the dentry cache.
func (v *VFS) Dentries() *DentryCache { return v.dentries }

// Mounts exposes the mount table.
func (v *VFS) Mounts() *MountTable { return v.mounts }

// Descriptions exposes the open file description table.
func (v *VFS) Descriptions() *DescriptionTable { return v.descs }

// begin prepares the context of a top-level operation: request id,
// logger and the default deadline.
func (v *VFS) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.MakeContextWithNewRequestID(ctx)
	if _, ok := ctx.Value(loggerKey{}).(bool); !ok {
		ctx = logging.MakeContextWithLogger(ctx, v.logger)
		ctx = context.WithValue(ctx, loggerKey{}, true)
	}
	if v.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			return context.WithTimeout(ctx, v.timeout)
		}
	}
	return ctx, func() {}
}

type loggerKey struct{}

// backendContext applies a mount's own timeout to ctx.
func backendContext(ctx context.Context, m *Mount) (context.Context, context.CancelFunc) {
	if m.Options.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			return context.WithTimeout(ctx, m.Options.Timeout)
		}
	}
	return ctx, func() {}
}

// Mount attaches backend at prefix. The first mount must be "/"; later
// mounts need an existing parent directory and shadow whatever the
// parent mount has at prefix.
func (v *VFS) Mount(ctx context.Context, prefix string, backend Backend, opts MountOptions) error {
	const op = "mount"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	v.mu.Lock()
	defer v.mu.Unlock()

	prefix = CleanPrefix(prefix)
	m := &Mount{
		Prefix:  prefix,
		Backend: backend,
		Options: opts,
		Caps:    backend.Capabilities(),
		limiter: newIOLimiter(opts),
	}

	if prefix != "/" {
		if v.mounts.Root() == nil {
			return pathError(op, prefix, ErrNotFound)
		}
		dir, name, _, err := v.resolveParent(ctx, v.rootNode(), prefix)
		if err != nil {
			return pathError(op, prefix, err)
		}
		m.parent = dir.m
		m.covers = dentryKey{dir.id, name}
		m.ancestors = v.ancestors(dir)
	} else if v.mounts.Root() != nil {
		return pathError(op, prefix, ErrAlreadyMounted)
	}

	m.ID = v.mounts.reserveID()
	m.Device = uint64(m.ID)

	attr, err := backend.Getattr(ctx, backend.Root())
	if err != nil {
		return pathError(op, prefix, err)
	}
	if attr.Type != TypeDirectory {
		return pathError(op, prefix, ErrNotADirectory)
	}
	root, err := v.inodes.Intern(m.ID, backend.Root(), m.Device, attr)
	if err != nil {
		return pathError(op, prefix, err)
	}
	m.root = root

	if err := v.mounts.Mount(m); err != nil {
		v.inodes.Forget(root)
		return pathError(op, prefix, err)
	}
	if prefix == "/" {
		v.cwd = root
	}

	logging.GetLoggerFromContextWithOp(ctx, "sandboxfs.VFS.Mount").Debug("mounted",
		"prefix", prefix,
		"mount", m.ID,
		"capabilities", m.Caps.String(),
		"read_only", opts.ReadOnly,
	)
	return nil
}

// Unmount detaches the mount at prefix. It fails with ErrBusy while
// descriptors are open on it, while another mount is nested beneath it
// or while the working directory is inside it.
func (v *VFS) Unmount(ctx context.Context, prefix string) error {
	const op = "unmount"
	ctx, cancel := v.begin(ctx)
	defer cancel()

	v.mu.Lock()
	defer v.mu.Unlock()

	prefix = CleanPrefix(prefix)
	if m := v.mounts.Lookup(prefix); m != nil {
		if meta, ok := v.inodes.Lookup(v.cwd); ok && meta.Mount == m.ID && prefix != "/" {
			return pathError(op, prefix, ErrBusy)
		}
	}

	m, err := v.mounts.Unmount(prefix)
	if err != nil {
		return pathError(op, prefix, err)
	}

	dropped := v.inodes.DropMount(m.ID)
	gone := make(map[InodeID]struct{}, len(dropped))
	for _, meta := range dropped {
		gone[meta.ID] = struct{}{}
		m.Backend.Forget(meta.Handle)
	}
	gone[m.root] = struct{}{}
	purged := v.dentries.Purge(func(id InodeID) bool {
		_, ok := gone[id]
		return ok
	})
	if prefix == "/" {
		v.cwd = 0
	}

	logging.GetLoggerFromContextWithOp(ctx, "sandboxfs.VFS.Unmount").Debug("unmounted",
		"prefix", prefix,
		"mount", m.ID,
		"inodes", len(dropped),
		"dentries", purged,
	)
	return nil
}

// ancestors collects dir and every directory above it, across mounts.
func (v *VFS) ancestors(dir node) map[InodeID]struct{} {
	out := map[InodeID]struct{}{}
	cur := dir
	for i := 0; i < 4096; i++ {
		out[cur.id] = struct{}{}
		if cur.id == cur.m.root {
			if cur.m.parent == nil {
				break
			}
			parent, err := v.nodeOf(cur.m.covers.parent)
			if err != nil {
				break
			}
			cur = parent
			continue
		}
		meta, ok := v.inodes.Lookup(cur.id)
		if !ok || meta.Parent == 0 {
			break
		}
		parent, err := v.nodeOf(meta.Parent)
		if err != nil {
			break
		}
		cur = parent
	}
	return out
}

// Capabilities returns the capability set of the mount governing p.
func (v *VFS) Capabilities(p string) (Capabilities, error) {
	m, _ := v.mounts.ResolveMountFor(p)
	if m == nil {
		return Capabilities{}, pathError("capabilities", p, ErrNotFound)
	}
	caps := m.Caps
	if m.Options.ReadOnly {
		caps.ReadOnly = true
	}
	return caps, nil
}

// Close closes every open descriptor.
func (v *VFS) Close(ctx context.Context) error {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	var first error
	for _, fd := range v.fds.all() {
		if err := v.FdClose(ctx, fd); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// dirLocks serializes structural mutations per directory. Lookups that
// miss the dentry cache take the read side so they never observe a
// half-applied rename.
type dirLocks struct {
	stripes [128]sync.RWMutex
}

func (l *dirLocks) index(id InodeID) int {
	return int(uint64(id) % uint64(len(l.stripes)))
}

func (l *dirLocks) rlock(id InodeID) func() {
	s := &l.stripes[l.index(id)]
	s.RLock()
	return s.RUnlock
}

// lock takes the write side for every directory in ids, in stripe
// order, and returns the matching unlock.
func (l *dirLocks) lock(ids ...InodeID) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		i := l.index(id)
		dup := false
		for _, j := range idx {
			if j == i {
				dup = true
				break
			}
		}
		if !dup {
			idx = append(idx, i)
		}
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && idx[j] < idx[j-1]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for k := len(idx) - 1; k >= 0; k-- {
			l.stripes[idx[k]].Unlock()
		}
	}
}
