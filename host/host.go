//go:build linux || darwin

// Package host passes sandboxfs operations through to a directory on
// the host filesystem. Every path is confined below the directory the
// backend was created with; symlinks are stored and reported verbatim
// and never followed by the backend itself.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/absfs/sandboxfs"
)

type fileKey struct {
	dev uint64
	ino uint64
}

type node struct {
	key fileKey
	// paths are the names, relative to the root, under which the node
	// is known to be linked. Empty once the last known name is gone.
	paths    []string
	file     *os.File
	writable bool
	pins     int
}

func (n *node) path() string {
	if len(n.paths) == 0 {
		return ""
	}
	return n.paths[0]
}

func (n *node) addPath(p string) {
	for _, q := range n.paths {
		if q == p {
			return
		}
	}
	n.paths = append(n.paths, p)
}

func (n *node) dropPath(p string) {
	for i, q := range n.paths {
		if q == p {
			n.paths = append(n.paths[:i], n.paths[i+1:]...)
			return
		}
	}
}

// Backend is a host directory exposed as a sandboxfs backend.
type Backend struct {
	root   string
	caps   sandboxfs.Capabilities
	logger *slog.Logger
	euid   int

	mu    sync.Mutex
	nodes map[sandboxfs.Handle]*node
	byKey map[fileKey]sandboxfs.Handle
	next  sandboxfs.Handle
	rootH sandboxfs.Handle
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// ReadOnly declares the backend read-only. Writes are still refused by
// the VFS, not by the backend.
func ReadOnly() Option {
	return func(b *Backend) {
		b.caps.ReadOnly = true
	}
}

// New returns a backend rooted at dir, which must exist and be a
// directory.
func New(dir string, opts ...Option) (*Backend, error) {
	const op = "host.New"

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, abs, sandboxfs.Classify(err))
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("%s: %s: %w", op, abs, sandboxfs.ErrNotADirectory)
	}

	b := &Backend{
		root:   abs,
		logger: slog.New(slog.DiscardHandler),
		euid:   os.Geteuid(),
		nodes:  make(map[sandboxfs.Handle]*node),
		byKey:  make(map[fileKey]sandboxfs.Handle),
		next:   1,
	}
	b.caps = sandboxfs.Capabilities{
		AtomicRename:     sandboxfs.Native,
		Hardlinks:        sandboxfs.Native,
		Symlinks:         sandboxfs.Native,
		PosixPermissions: sandboxfs.Native,
		FileLocks:        sandboxfs.Unsupported,
		CaseSensitive:    caseSensitive,
		SparseFiles:      sandboxfs.Native,
	}
	if b.euid == 0 {
		b.caps.DeviceNodes = sandboxfs.Native
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.probeXattrs() {
		b.caps.Xattrs = sandboxfs.Native
	}

	b.rootH = b.internLocked(keyOf(&st), ".")
	b.logger.Debug("host backend ready", "root", abs, "caps", b.caps.String())
	return b, nil
}

var _ sandboxfs.Backend = (*Backend)(nil)

// Dir returns the host directory the backend is rooted at.
func (b *Backend) Dir() string { return b.root }

func (b *Backend) Capabilities() sandboxfs.Capabilities { return b.caps }

func (b *Backend) Root() sandboxfs.Handle { return b.rootH }

// probeXattrs reports whether the host filesystem accepts user xattrs.
func (b *Backend) probeXattrs() bool {
	const name = "user.sandboxfs.probe"
	if err := unix.Lsetxattr(b.root, name, []byte{1}, 0); err != nil {
		return false
	}
	_ = unix.Lremovexattr(b.root, name)
	return true
}

func keyOf(st *unix.Stat_t) fileKey {
	return fileKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
}

// abs maps a root-relative path to the host path.
func (b *Backend) abs(rel string) string {
	if rel == "." || rel == "" {
		return b.root
	}
	return b.root + string(filepath.Separator) + filepath.FromSlash(rel)
}

func join(dir, name string) string {
	if dir == "." {
		return name
	}
	return dir + "/" + name
}

// internLocked returns the handle for key, creating one if needed, and
// records rel as one of its names.
func (b *Backend) internLocked(key fileKey, rel string) sandboxfs.Handle {
	if h, ok := b.byKey[key]; ok {
		b.nodes[h].addPath(rel)
		return h
	}
	h := b.next
	b.next++
	b.nodes[h] = &node{key: key, paths: []string{rel}}
	b.byKey[key] = h
	return h
}

func (b *Backend) get(h sandboxfs.Handle) (*node, error) {
	n, ok := b.nodes[h]
	if !ok {
		return nil, sandboxfs.ErrStaleInode
	}
	return n, nil
}

// dirPath returns the relative path of directory handle h.
func (b *Backend) dirPath(h sandboxfs.Handle) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(h)
	if err != nil {
		return "", err
	}
	p := n.path()
	if p == "" {
		return "", sandboxfs.ErrNotFound
	}
	return p, nil
}

// childPath validates name and returns the relative path of name in
// directory dir.
func (b *Backend) childPath(dir sandboxfs.Handle, name string) (string, error) {
	if err := sandboxfs.ValidName(name); err != nil {
		return "", err
	}
	p, err := b.dirPath(dir)
	if err != nil {
		return "", err
	}
	return join(p, name), nil
}

// intern stats rel without following a final symlink and returns its
// handle.
func (b *Backend) intern(rel string) (sandboxfs.Handle, unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(b.abs(rel), &st); err != nil {
		return 0, st, err
	}
	b.mu.Lock()
	h := b.internLocked(keyOf(&st), rel)
	b.mu.Unlock()
	return h, st, nil
}

func (b *Backend) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	const op = "host.Backend.Lookup"

	dp, err := b.dirPath(dir)
	if err != nil {
		return 0, err
	}
	var rel string
	switch name {
	case ".":
		return dir, nil
	case "..":
		if dir == b.rootH {
			return dir, nil
		}
		rel = path.Dir(dp)
	default:
		if err := sandboxfs.ValidName(name); err != nil {
			return 0, err
		}
		rel = join(dp, name)
	}

	h, _, err := b.intern(rel)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	return h, nil
}

// stat returns the current metadata of n.
func (b *Backend) stat(h sandboxfs.Handle) (unix.Stat_t, error) {
	var st unix.Stat_t
	b.mu.Lock()
	n, err := b.get(h)
	if err != nil {
		b.mu.Unlock()
		return st, err
	}
	p, f := n.path(), n.file
	b.mu.Unlock()

	switch {
	case p != "":
		err = unix.Lstat(b.abs(p), &st)
		if err == nil || f == nil {
			return st, err
		}
		fallthrough
	case f != nil:
		err = unix.Fstat(int(f.Fd()), &st)
	default:
		err = sandboxfs.ErrStaleInode
	}
	return st, err
}

func (b *Backend) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	const op = "host.Backend.Getattr"
	st, err := b.stat(h)
	if err != nil {
		return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	return attrOf(&st), nil
}

func attrOf(st *unix.Stat_t) sandboxfs.Attr {
	atime, mtime, ctime := statTimes(st)
	a := sandboxfs.Attr{
		Ino:   uint64(st.Ino),
		Type:  typeFromMode(uint32(st.Mode)),
		Mode:  permFromMode(uint32(st.Mode)),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Size:  st.Size,
		Nlink: uint32(st.Nlink),
		Rdev:  uint64(st.Rdev),
		Atime: atime,
		Mtime: mtime,
		Ctime: ctime,
	}
	if a.Type == sandboxfs.TypeDirectory {
		a.Gen = uint64(mtime.UnixNano()) ^ uint64(ctime.UnixNano())
	}
	return a
}

func typeFromMode(m uint32) sandboxfs.FileType {
	switch m & unix.S_IFMT {
	case unix.S_IFREG:
		return sandboxfs.TypeRegular
	case unix.S_IFDIR:
		return sandboxfs.TypeDirectory
	case unix.S_IFLNK:
		return sandboxfs.TypeSymlink
	case unix.S_IFCHR:
		return sandboxfs.TypeCharDevice
	case unix.S_IFBLK:
		return sandboxfs.TypeBlockDevice
	case unix.S_IFIFO:
		return sandboxfs.TypeFifo
	case unix.S_IFSOCK:
		return sandboxfs.TypeSocket
	}
	return sandboxfs.TypeUnknown
}

func permFromMode(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	if m&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

func modeBits(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}
	return m
}

func (b *Backend) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	const op = "host.Backend.Setattr"

	st, err := b.stat(h)
	if err != nil {
		return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	b.mu.Lock()
	n, err := b.get(h)
	var p string
	if err == nil {
		p = n.path()
	}
	b.mu.Unlock()
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	if p == "" {
		return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, sandboxfs.ErrNotFound)
	}
	target := b.abs(p)
	isLink := typeFromMode(uint32(st.Mode)) == sandboxfs.TypeSymlink

	if set.Uid != nil || set.Gid != nil {
		uid, gid := -1, -1
		if set.Uid != nil {
			uid = int(*set.Uid)
		}
		if set.Gid != nil {
			gid = int(*set.Gid)
		}
		if err := unix.Lchown(target, uid, gid); err != nil {
			return sandboxfs.Attr{}, fmt.Errorf("%s: chown: %w", op, sandboxfs.Classify(err))
		}
	}
	if set.Mode != nil && !isLink {
		if err := unix.Fchmodat(unix.AT_FDCWD, target, modeBits(*set.Mode), 0); err != nil {
			return sandboxfs.Attr{}, fmt.Errorf("%s: chmod: %w", op, sandboxfs.Classify(err))
		}
	}
	if set.Atime != nil || set.Mtime != nil {
		atime, mtime, _ := statTimes(&st)
		if set.Atime != nil {
			atime = *set.Atime
		}
		if set.Mtime != nil {
			mtime = *set.Mtime
		}
		ts := []unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, target, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return sandboxfs.Attr{}, fmt.Errorf("%s: utimes: %w", op, sandboxfs.Classify(err))
		}
	}
	return b.Getattr(ctx, h)
}

func (b *Backend) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	const op = "host.Backend.Create"

	rel, err := b.childPath(dir, name)
	if err != nil {
		return 0, err
	}
	target := b.abs(rel)
	perm := modeBits(spec.Mode)

	switch spec.Type {
	case sandboxfs.TypeRegular:
		var f *os.File
		f, err = os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fs.FileMode(perm&0o777))
		if err == nil {
			err = f.Close()
		}
	case sandboxfs.TypeFifo:
		err = unix.Mkfifo(target, perm)
	case sandboxfs.TypeCharDevice:
		err = unix.Mknod(target, unix.S_IFCHR|perm, int(spec.Rdev))
	case sandboxfs.TypeBlockDevice:
		err = unix.Mknod(target, unix.S_IFBLK|perm, int(spec.Rdev))
	case sandboxfs.TypeSocket:
		err = unix.Mknod(target, unix.S_IFSOCK|perm, 0)
	default:
		return 0, fmt.Errorf("%s: %s: %w", op, spec.Type, sandboxfs.ErrInvalid)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	return b.finishCreate(op, rel, spec, true)
}

// finishCreate applies the exact mode, which the umask may have
// narrowed, and the requested ownership, then interns the new node.
func (b *Backend) finishCreate(op, rel string, spec sandboxfs.NodeSpec, chmod bool) (sandboxfs.Handle, error) {
	target := b.abs(rel)
	if chmod {
		if err := unix.Fchmodat(unix.AT_FDCWD, target, modeBits(spec.Mode), 0); err != nil {
			return 0, fmt.Errorf("%s: chmod %s: %w", op, rel, sandboxfs.Classify(err))
		}
	}
	if b.euid == 0 {
		if err := unix.Lchown(target, int(spec.Uid), int(spec.Gid)); err != nil {
			return 0, fmt.Errorf("%s: chown %s: %w", op, rel, sandboxfs.Classify(err))
		}
	}
	h, _, err := b.intern(rel)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	return h, nil
}

func (b *Backend) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	const op = "host.Backend.Mkdir"

	rel, err := b.childPath(dir, name)
	if err != nil {
		return 0, err
	}
	if err := unix.Mkdir(b.abs(rel), modeBits(spec.Mode)); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	return b.finishCreate(op, rel, spec, true)
}

func (b *Backend) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	const op = "host.Backend.Symlink"

	rel, err := b.childPath(dir, name)
	if err != nil {
		return 0, err
	}
	if err := unix.Symlink(target, b.abs(rel)); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	return b.finishCreate(op, rel, spec, false)
}

func (b *Backend) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	const op = "host.Backend.Readlink"

	p, err := b.dirPath(h)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(b.abs(p))
	if err != nil {
		return "", fmt.Errorf("%s: %s: %w", op, p, sandboxfs.Classify(err))
	}
	return target, nil
}

func (b *Backend) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	const op = "host.Backend.Link"

	src, err := b.dirPath(h)
	if err != nil {
		return err
	}
	rel, err := b.childPath(dir, name)
	if err != nil {
		return err
	}
	if err := unix.Link(b.abs(src), b.abs(rel)); err != nil {
		return fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	b.mu.Lock()
	if n, ok := b.nodes[h]; ok {
		n.addPath(rel)
	}
	b.mu.Unlock()
	return nil
}

// checkType fails with ErrIsADirectory or ErrNotADirectory when rel is
// not of the kind the operation removes. Hosts disagree on the errno
// unlink(2) returns for a directory.
func (b *Backend) checkType(rel string, wantDir bool) error {
	var st unix.Stat_t
	if err := unix.Lstat(b.abs(rel), &st); err != nil {
		return sandboxfs.Classify(err)
	}
	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
	switch {
	case isDir && !wantDir:
		return sandboxfs.ErrIsADirectory
	case !isDir && wantDir:
		return sandboxfs.ErrNotADirectory
	}
	return nil
}

// forgetPath drops rel, and every path below it, from the known names
// of all nodes.
func (b *Backend) forgetPath(rel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := rel + "/"
	for _, n := range b.nodes {
		kept := n.paths[:0]
		for _, p := range n.paths {
			if p != rel && !strings.HasPrefix(p, prefix) {
				kept = append(kept, p)
			}
		}
		n.paths = kept
	}
}

func (b *Backend) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "host.Backend.Unlink"

	rel, err := b.childPath(dir, name)
	if err != nil {
		return err
	}
	if err := b.checkType(rel, false); err != nil {
		return fmt.Errorf("%s: %s: %w", op, rel, err)
	}
	if err := unix.Unlink(b.abs(rel)); err != nil {
		return fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	b.forgetPath(rel)
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "host.Backend.Rmdir"

	rel, err := b.childPath(dir, name)
	if err != nil {
		return err
	}
	if err := b.checkType(rel, true); err != nil {
		return fmt.Errorf("%s: %s: %w", op, rel, err)
	}
	if err := unix.Rmdir(b.abs(rel)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			err = unix.ENOTEMPTY
		}
		return fmt.Errorf("%s: %s: %w", op, rel, sandboxfs.Classify(err))
	}
	b.forgetPath(rel)
	return nil
}

func (b *Backend) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	const op = "host.Backend.Rename"

	from, err := b.childPath(srcDir, srcName)
	if err != nil {
		return err
	}
	to, err := b.childPath(dstDir, dstName)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if strings.HasPrefix(to, from+"/") {
		return fmt.Errorf("%s: %s into itself: %w", op, from, sandboxfs.ErrInvalid)
	}

	if flags&sandboxfs.RenameNoReplace != 0 {
		err = renameNoReplace(b.abs(from), b.abs(to))
	} else {
		err = unix.Rename(b.abs(from), b.abs(to))
	}
	if err != nil {
		if errors.Is(err, unix.EEXIST) && flags&sandboxfs.RenameNoReplace == 0 {
			err = unix.ENOTEMPTY
		}
		return fmt.Errorf("%s: %s -> %s: %w", op, from, to, sandboxfs.Classify(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := from + "/"
	for _, n := range b.nodes {
		for i, p := range n.paths {
			switch {
			case p == to:
				// The replaced destination lost this name.
				n.paths[i] = ""
			case p == from:
				n.paths[i] = to
			case strings.HasPrefix(p, prefix):
				n.paths[i] = to + "/" + p[len(prefix):]
			}
		}
		n.dropPath("")
	}
	return nil
}

func (b *Backend) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	const op = "host.Backend.ReadDir"

	p, err := b.dirPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.abs(p))
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, p, sandboxfs.Classify(err))
	}
	// os.ReadDir sorts by name, which is byte order.
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name() > after })
	var out []sandboxfs.DirEntry
	for _, e := range entries[i:] {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, sandboxfs.DirEntry{
			Name: e.Name(),
			Type: sandboxfs.FileTypeOf(e.Type()),
		})
	}
	return out, nil
}

func (b *Backend) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	const op = "host.Backend.Open"

	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(h)
	if err != nil {
		return err
	}
	wantWrite := flags.Writable()
	if n.file != nil && (n.writable || !wantWrite) {
		n.pins++
		return nil
	}
	p := n.path()
	if p == "" {
		return fmt.Errorf("%s: %w", op, sandboxfs.ErrNotFound)
	}

	target := b.abs(p)
	f, err := os.OpenFile(target, os.O_RDWR|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	writable := err == nil
	if err != nil {
		if wantWrite {
			return fmt.Errorf("%s: %s: %w", op, p, sandboxfs.Classify(err))
		}
		f, err = os.OpenFile(target, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", op, p, sandboxfs.Classify(err))
		}
	}
	if n.file != nil {
		n.file.Close()
	}
	n.file, n.writable = f, writable
	n.pins++
	b.logger.Debug("host file opened", "path", p, "writable", writable, "pins", n.pins)
	return nil
}

func (b *Backend) Release(ctx context.Context, h sandboxfs.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(h)
	if err != nil {
		return err
	}
	if n.pins == 0 {
		return sandboxfs.ErrBadDescriptor
	}
	n.pins--
	if n.pins > 0 {
		return nil
	}
	f := n.file
	n.file, n.writable = nil, false
	if len(n.paths) == 0 && h != b.rootH {
		b.dropLocked(h, n)
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func (b *Backend) dropLocked(h sandboxfs.Handle, n *node) {
	delete(b.nodes, h)
	if b.byKey[n.key] == h {
		delete(b.byKey, n.key)
	}
}

// openFile returns the file pinned by Open for h.
func (b *Backend) openFile(h sandboxfs.Handle, write bool) (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(h)
	if err != nil {
		return nil, err
	}
	if n.file == nil || (write && !n.writable) {
		return nil, sandboxfs.ErrBadDescriptor
	}
	return n.file, nil
}

func (b *Backend) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	f, err := b.openFile(h, false)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, off)
	switch {
	case err == io.EOF && n > 0:
		return n, nil
	case err == io.EOF:
		return 0, io.EOF
	case err != nil:
		return n, sandboxfs.Classify(err)
	}
	return n, nil
}

func (b *Backend) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	f, err := b.openFile(h, true)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, off)
	return n, sandboxfs.Classify(err)
}

func (b *Backend) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	f, err := b.openFile(h, true)
	if err != nil {
		return err
	}
	return sandboxfs.Classify(f.Truncate(size))
}

func (b *Backend) Sync(ctx context.Context, h sandboxfs.Handle) error {
	f, err := b.openFile(h, false)
	if err != nil {
		return err
	}
	return sandboxfs.Classify(f.Sync())
}

// xattrPath returns the host path for an xattr call on h.
func (b *Backend) xattrPath(h sandboxfs.Handle) (string, error) {
	if !b.caps.Xattrs.Available() {
		return "", sandboxfs.ErrNotSupported
	}
	p, err := b.dirPath(h)
	if err != nil {
		return "", err
	}
	return b.abs(p), nil
}

func xattrErr(err error) error {
	if errors.Is(err, errNoAttr) {
		return sandboxfs.ErrNotFound
	}
	return sandboxfs.Classify(err)
}

func (b *Backend) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	target, err := b.xattrPath(h)
	if err != nil {
		return nil, err
	}
	for {
		sz, err := unix.Lgetxattr(target, name, nil)
		if err != nil {
			return nil, xattrErr(err)
		}
		buf := make([]byte, sz)
		n, err := unix.Lgetxattr(target, name, buf)
		if errors.Is(err, unix.ERANGE) {
			continue
		}
		if err != nil {
			return nil, xattrErr(err)
		}
		return buf[:n], nil
	}
}

func (b *Backend) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	target, err := b.xattrPath(h)
	if err != nil {
		return err
	}
	return xattrErr(unix.Lsetxattr(target, name, value, 0))
}

func (b *Backend) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	target, err := b.xattrPath(h)
	if err != nil {
		return nil, err
	}
	for {
		sz, err := unix.Llistxattr(target, nil)
		if err != nil {
			return nil, xattrErr(err)
		}
		if sz == 0 {
			return nil, nil
		}
		buf := make([]byte, sz)
		n, err := unix.Llistxattr(target, buf)
		if errors.Is(err, unix.ERANGE) {
			continue
		}
		if err != nil {
			return nil, xattrErr(err)
		}
		var names []string
		for _, name := range strings.Split(string(buf[:n]), "\x00") {
			if name != "" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	}
}

func (b *Backend) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	target, err := b.xattrPath(h)
	if err != nil {
		return err
	}
	return xattrErr(unix.Lremovexattr(target, name))
}

func (b *Backend) Forget(h sandboxfs.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[h]
	if !ok || h == b.rootH || n.pins > 0 {
		return
	}
	b.dropLocked(h, n)
}

// Len returns the number of handles the backend tracks.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}
