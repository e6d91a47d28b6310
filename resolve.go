package sandboxfs

import (
	"context"
	"strconv"
	"strings"

	"github.com/absfs/sandboxfs/internal/logging"
)

// node is a resolved reference: the VFS identity plus enough of the
// backend binding to dispatch without another table lookup.
type node struct {
	id  InodeID
	m   *Mount
	h   Handle
	typ FileType
}

func (n node) isDir() bool { return n.typ == TypeDirectory }

// nodeOf rebuilds the reference of a live inode.
func (v *VFS) nodeOf(id InodeID) (node, error) {
	meta, ok := v.inodes.Lookup(id)
	if !ok {
		return node{}, ErrStaleInode
	}
	m := v.mounts.Get(meta.Mount)
	if m == nil {
		return node{}, ErrStaleInode
	}
	return node{id: id, m: m, h: meta.Handle, typ: meta.Type}, nil
}

// rootNode returns the root of the "/" mount, or a zero node when
// nothing is mounted.
func (v *VFS) rootNode() node {
	m := v.mounts.Root()
	if m == nil {
		return node{}
	}
	return node{id: m.root, m: m, h: m.Backend.Root(), typ: TypeDirectory}
}

// ResolveFlags modify path resolution.
type ResolveFlags uint8

const (
	// FollowFinal follows a symlink in the last component.
	FollowFinal ResolveFlags = 1 << iota
	// MustBeDir requires the result to be a directory.
	MustBeDir
	// Beneath rejects absolute paths and any walk above the start
	// directory with ErrPermissionDenied.
	Beneath
)

type resolveState uint8

const (
	statePending resolveState = iota
	stateFollowingSymlink
	stateCrossingMount
	stateResolved
	stateFailed
)

func (s resolveState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFollowingSymlink:
		return "following_symlink"
	case stateCrossingMount:
		return "crossing_mount"
	case stateResolved:
		return "resolved"
	default:
		return "failed"
	}
}

// walker is the state of one resolution. Components are consumed from
// the front of queue; a followed symlink pushes its target's components
// back onto the front.
type walker struct {
	v     *VFS
	ctx   context.Context
	flags ResolveFlags
	cur   node
	queue []string
	hops  int
	// depth counts directories below the start, for Beneath.
	depth int
	state resolveState
	err   error
}

func splitPath(p string) []string {
	return strings.Split(strings.TrimLeft(p, "/"), "/")
}

// startNode picks where a path starts: the VFS root for absolute
// paths, otherwise the directory behind dirfd or the working directory.
func (v *VFS) startNode(dirfd FD, p string) (node, error) {
	if strings.HasPrefix(p, "/") {
		root := v.rootNode()
		if root.m == nil {
			return node{}, ErrNotFound
		}
		return root, nil
	}
	if dirfd == AtCWD {
		v.mu.Lock()
		cwd := v.cwd
		v.mu.Unlock()
		return v.nodeOf(cwd)
	}
	d, err := v.descFor(dirfd)
	if err != nil {
		return node{}, err
	}
	if d.typ != TypeDirectory {
		return node{}, ErrNotADirectory
	}
	return v.nodeOf(d.ino)
}

// resolve walks p from dirfd.
func (v *VFS) resolve(ctx context.Context, dirfd FD, p string, flags ResolveFlags) (node, error) {
	if p == "" {
		return node{}, ErrNotFound
	}
	start, err := v.startNode(dirfd, p)
	if err != nil {
		return node{}, err
	}
	return v.resolveFrom(ctx, start, p, flags)
}

// resolveFrom walks p starting at start. Absolute paths restart at the
// VFS root.
func (v *VFS) resolveFrom(ctx context.Context, start node, p string, flags ResolveFlags) (node, error) {
	if p == "" {
		return node{}, ErrNotFound
	}
	if strings.HasPrefix(p, "/") {
		if flags&Beneath != 0 {
			return node{}, ErrPermissionDenied
		}
		start = v.rootNode()
		if start.m == nil {
			return node{}, ErrNotFound
		}
	}
	w := &walker{
		v:     v,
		ctx:   ctx,
		flags: flags,
		cur:   start,
		queue: splitPath(p),
	}
	return w.run()
}

func (w *walker) run() (node, error) {
	for {
		if err := w.ctx.Err(); err != nil && w.state < stateResolved {
			w.fail(ctxErrno(err))
		}
		switch w.state {
		case statePending, stateFollowingSymlink, stateCrossingMount:
			if len(w.queue) == 0 {
				w.finish()
				continue
			}
			name := w.queue[0]
			w.queue = w.queue[1:]
			w.step(name, len(w.queue) == 0)
		case stateResolved:
			return w.cur, nil
		default:
			return node{}, w.err
		}
	}
}

func (w *walker) fail(err error) {
	w.state = stateFailed
	w.err = err
}

func (w *walker) finish() {
	if w.flags&MustBeDir != 0 && !w.cur.isDir() {
		w.fail(ErrNotADirectory)
		return
	}
	w.state = stateResolved
}

func (w *walker) step(name string, last bool) {
	if !w.cur.isDir() {
		w.fail(ErrNotADirectory)
		return
	}
	switch name {
	case "", ".":
		w.state = statePending
		return
	case "..":
		if w.flags&Beneath != 0 && w.depth == 0 {
			w.fail(ErrPermissionDenied)
			return
		}
		parent, err := w.v.parentOf(w.ctx, w.cur)
		if err != nil {
			w.fail(err)
			return
		}
		if w.cur.m != parent.m {
			w.state = stateCrossingMount
		} else {
			w.state = statePending
		}
		w.cur = parent
		w.depth--
		return
	}
	if len(name) > MaxNameLen {
		w.fail(ErrNameTooLong)
		return
	}
	if err := w.v.checkAccess(w.cur, accessExec); err != nil {
		w.fail(err)
		return
	}

	if m := w.v.mounts.Covering(w.cur.id, name); m != nil {
		w.cur = node{id: m.root, m: m, h: m.Backend.Root(), typ: TypeDirectory}
		w.depth++
		w.state = stateCrossingMount
		return
	}

	child, err := w.v.lookupChild(w.ctx, w.cur, name)
	if err != nil {
		w.fail(err)
		return
	}

	if child.typ == TypeSymlink && (!last || w.flags&FollowFinal != 0) {
		w.follow(child)
		return
	}
	w.cur = child
	w.depth++
	w.state = statePending
}

func (w *walker) follow(link node) {
	w.hops++
	if w.hops > w.v.maxSymlinks {
		w.fail(ErrSymlinkLoop)
		return
	}
	target, err := link.m.Backend.Readlink(w.ctx, link.h)
	if err != nil {
		w.fail(err)
		return
	}
	if target == "" {
		w.fail(ErrNotFound)
		return
	}
	if strings.HasPrefix(target, "/") {
		if w.flags&Beneath != 0 {
			w.fail(ErrPermissionDenied)
			return
		}
		w.cur = w.v.rootNode()
		w.depth = 0
	}
	parts := splitPath(target)
	w.queue = append(parts, w.queue...)
	w.state = stateFollowingSymlink
}

// parentOf returns the directory above dir. The VFS root is its own
// parent; a mount root's parent is the directory holding its mount
// point in the parent mount.
func (v *VFS) parentOf(ctx context.Context, dir node) (node, error) {
	if dir.id == dir.m.root {
		if dir.m.parent == nil {
			return dir, nil
		}
		return v.nodeOf(dir.m.covers.parent)
	}
	if meta, ok := v.inodes.Lookup(dir.id); ok && meta.Parent != 0 {
		if parent, err := v.nodeOf(meta.Parent); err == nil {
			return parent, nil
		}
	}

	h, err := dir.m.Backend.Lookup(ctx, dir.h, "..")
	if err != nil {
		return node{}, err
	}
	attr, err := dir.m.Backend.Getattr(ctx, h)
	if err != nil {
		return node{}, err
	}
	id, err := v.inodes.Intern(dir.m.ID, h, dir.m.Device, attr)
	if err != nil {
		return node{}, err
	}
	return node{id: id, m: dir.m, h: h, typ: attr.Type}, nil
}

// lookupChild resolves one name in dir through the dentry cache,
// collapsing concurrent misses on the same entry into one backend
// lookup.
func (v *VFS) lookupChild(ctx context.Context, dir node, name string) (node, error) {
	if n, err, ok := v.cachedChild(ctx, dir, name); ok {
		return n, err
	}

	key := strconv.FormatUint(uint64(dir.id), 10) + "/" + name
	res, err, _ := v.lookups.Do(key, func() (any, error) {
		unlock := v.locks.rlock(dir.id)
		defer unlock()
		return v.lookupBackend(ctx, dir, name)
	})
	if err != nil {
		return node{}, err
	}
	return res.(node), nil
}

// lookupLocked is lookupChild for callers already holding dir's lock.
func (v *VFS) lookupLocked(ctx context.Context, dir node, name string) (node, error) {
	if n, err, ok := v.cachedChild(ctx, dir, name); ok {
		return n, err
	}
	return v.lookupBackend(ctx, dir, name)
}

func (v *VFS) cachedChild(ctx context.Context, dir node, name string) (node, error, bool) {
	child, negative, ok := v.dentries.Get(dir.id, name)
	if !ok {
		return node{}, nil, false
	}
	if negative {
		// Names can appear behind the VFS, on a host directory for
		// instance. A moved directory generation drops the entry before
		// its TTL does.
		if !v.dirUnchanged(ctx, dir) {
			return node{}, nil, false
		}
		return node{}, ErrNotFound, true
	}
	n, err := v.nodeOf(child)
	if err != nil {
		// The child was reclaimed behind the entry's back.
		v.dentries.Invalidate(dir.id, name)
		return node{}, nil, false
	}
	return n, nil, true
}

// dirUnchanged reports whether the backend generation of dir matches
// the one its cached entries were recorded under. A mismatch bumps the
// directory, invalidating all of them.
func (v *VFS) dirUnchanged(ctx context.Context, dir node) bool {
	bctx, cancel := backendContext(ctx, dir.m)
	attr, err := dir.m.Backend.Getattr(bctx, dir.h)
	cancel()
	if err != nil {
		return false
	}
	return v.dentries.Validate(dir.id, attr.Gen)
}

func (v *VFS) lookupBackend(ctx context.Context, dir node, name string) (node, error) {
	ctx, cancel := backendContext(ctx, dir.m)
	defer cancel()

	h, err := dir.m.Backend.Lookup(ctx, dir.h, name)
	if err != nil {
		if ErrnoOf(err) == ErrNotFound {
			// Record the generation later hits are checked against.
			v.dirUnchanged(ctx, dir)
			v.dentries.PutNegative(dir.id, name)
		}
		return node{}, err
	}
	attr, err := dir.m.Backend.Getattr(ctx, h)
	if err != nil {
		if ErrnoOf(err) == ErrStaleInode {
			// Raced with an unlink; report the name as gone.
			return node{}, ErrNotFound
		}
		return node{}, err
	}
	id, err := v.inodes.Intern(dir.m.ID, h, dir.m.Device, attr)
	if err != nil {
		return node{}, err
	}
	if attr.Type == TypeDirectory {
		v.inodes.SetParent(id, dir.id, name)
	}
	v.dentries.PutPositive(dir.id, name, id)

	logging.GetLoggerFromContext(ctx).Debug("dentry miss",
		"dir", dir.id,
		"name", name,
		"ino", id,
	)
	return node{id: id, m: dir.m, h: h, typ: attr.Type}, nil
}

// resolveParent resolves everything but the last component of p and
// returns the parent directory and the final name. trailing reports a
// trailing slash, which requires the final node to be a directory.
// A final "." or ".." is rejected with ErrInvalid.
func (v *VFS) resolveParent(ctx context.Context, start node, p string) (dir node, name string, trailing bool, err error) {
	if p == "" {
		return node{}, "", false, ErrNotFound
	}
	trimmed := strings.TrimRight(p, "/")
	trailing = len(trimmed) < len(p)
	if trimmed == "" {
		// "/" itself has no parent entry.
		return node{}, "", trailing, ErrInvalid
	}

	i := strings.LastIndex(trimmed, "/")
	parent, name := trimmed[:i+1], trimmed[i+1:]
	switch {
	case name == "." || name == "..":
		return node{}, "", trailing, ErrInvalid
	case len(name) > MaxNameLen:
		return node{}, "", trailing, ErrNameTooLong
	}
	if parent == "" {
		parent = "."
	}
	dir, err = v.resolveFrom(ctx, start, parent, FollowFinal|MustBeDir)
	if err != nil {
		return node{}, "", trailing, err
	}
	return dir, name, trailing, nil
}

// resolveParentAt is resolveParent starting from dirfd.
func (v *VFS) resolveParentAt(ctx context.Context, dirfd FD, p string) (node, string, bool, error) {
	if p == "" {
		return node{}, "", false, ErrNotFound
	}
	start, err := v.startNode(dirfd, p)
	if err != nil {
		return node{}, "", false, err
	}
	return v.resolveParent(ctx, start, p)
}

// retryStale runs fn, which resolves p and acts on the result. A
// concurrent rename or unlink can reclaim the inode between the walk
// and the action; fn then fails with ErrStaleInode although p names a
// live file. The final dentry is dropped and fn runs once more.
func (v *VFS) retryStale(ctx context.Context, dirfd FD, p string, fn func() error) error {
	err := fn()
	if ErrnoOf(err) != ErrStaleInode {
		return err
	}
	if dir, name, _, perr := v.resolveParentAt(ctx, dirfd, p); perr == nil {
		v.dentries.Invalidate(dir.id, name)
	}
	logging.GetLoggerFromContext(ctx).Debug("retrying after stale inode", "path", p)
	return fn()
}

// pathOf reconstructs an absolute path for a directory from its
// back-references.
func (v *VFS) pathOf(n node) (string, error) {
	var parts []string
	cur := n
	for i := 0; i < 4096; i++ {
		if cur.id == cur.m.root {
			if cur.m.parent == nil {
				break
			}
			parts = append(parts, cur.m.covers.name)
			parent, err := v.nodeOf(cur.m.covers.parent)
			if err != nil {
				return "", err
			}
			cur = parent
			continue
		}
		meta, ok := v.inodes.Lookup(cur.id)
		if !ok || meta.Parent == 0 {
			return "", ErrStaleInode
		}
		parts = append(parts, meta.Name)
		parent, err := v.nodeOf(meta.Parent)
		if err != nil {
			return "", err
		}
		cur = parent
	}
	if len(parts) == 0 {
		return "/", nil
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String(), nil
}
