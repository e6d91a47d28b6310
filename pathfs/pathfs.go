// Package pathfs adapts path-oriented Go filesystems to the sandboxfs
// Backend interface. Any absfs.FileSystem or afero.Fs can be mounted;
// handles name paths, so hardlinks and extended attributes are not
// available and rename is emulated with checks before the underlying
// rename.
package pathfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/spf13/afero"

	"github.com/absfs/sandboxfs"
)

type node struct {
	path string
	pins int
}

// Backend serves a path-oriented filesystem.
type Backend struct {
	tree     tree
	name     string
	caps     sandboxfs.Capabilities
	logger   *slog.Logger
	readOnly bool

	mu     sync.Mutex
	nodes  map[sandboxfs.Handle]*node
	byPath map[string]sandboxfs.Handle
	// inos outlive handles so a path keeps its inode number after
	// Forget.
	inos    map[string]uint64
	next    sandboxfs.Handle
	nextIno uint64
	root    sandboxfs.Handle
}

// Option configures a Backend.
type Option func(*Backend)

func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// ReadOnly rejects every mutation with ErrReadOnly.
func ReadOnly() Option {
	return func(b *Backend) { b.readOnly = true }
}

// FromAbsFS serves fsys. Symlinks are available when fsys implements
// absfs.SymLinker.
func FromAbsFS(fsys absfs.FileSystem, opts ...Option) *Backend {
	return newBackend(newAbsFSTree(fsys), "absfs", opts)
}

// FromAfero serves fsys. Symlinks are available when fsys implements
// afero.Symlinker.
func FromAfero(fsys afero.Fs, opts ...Option) *Backend {
	return newBackend(newAferoTree(fsys), "afero:"+fsys.Name(), opts)
}

func newBackend(t tree, name string, opts []Option) *Backend {
	b := &Backend{
		tree:   t,
		name:   name,
		logger: slog.New(slog.DiscardHandler),
		nodes:  make(map[sandboxfs.Handle]*node),
		byPath: make(map[string]sandboxfs.Handle),
		inos:   make(map[string]uint64),
		next:   1,
	}
	for _, opt := range opts {
		opt(b)
	}
	symlinks := sandboxfs.Unsupported
	if t.symlinks() {
		symlinks = sandboxfs.Native
	}
	b.caps = sandboxfs.Capabilities{
		AtomicRename:     sandboxfs.Emulated,
		Hardlinks:        sandboxfs.Unsupported,
		Symlinks:         symlinks,
		PosixPermissions: sandboxfs.Emulated,
		Xattrs:           sandboxfs.Unsupported,
		FileLocks:        sandboxfs.Unsupported,
		CaseSensitive:    sandboxfs.Native,
		SparseFiles:      sandboxfs.Emulated,
		DeviceNodes:      sandboxfs.Unsupported,
		ReadOnly:         b.readOnly,
	}
	b.root = b.internLocked("/")
	b.logger.Debug("serving path filesystem", "fs", name, "symlinks", symlinks)
	return b
}

var _ sandboxfs.Backend = (*Backend)(nil)

func (b *Backend) Capabilities() sandboxfs.Capabilities { return b.caps }

func (b *Backend) Root() sandboxfs.Handle { return b.root }

func (b *Backend) internLocked(p string) sandboxfs.Handle {
	if h, ok := b.byPath[p]; ok {
		return h
	}
	h := b.next
	b.next++
	b.nodes[h] = &node{path: p}
	b.byPath[p] = h
	if _, ok := b.inos[p]; !ok {
		b.nextIno++
		b.inos[p] = b.nextIno
	}
	return h
}

func (b *Backend) pathOf(h sandboxfs.Handle) (string, error) {
	n, ok := b.nodes[h]
	if !ok || n.path == "" {
		return "", sandboxfs.ErrStaleInode
	}
	return n.path, nil
}

// stat returns the info of p, mapping a vanished path to
// ErrStaleInode.
func (b *Backend) stat(p string) (fs.FileInfo, error) {
	fi, err := b.tree.lstat(p)
	if err != nil {
		if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
			return nil, sandboxfs.ErrStaleInode
		}
		return nil, sandboxfs.Classify(err)
	}
	return fi, nil
}

func (b *Backend) dirOf(h sandboxfs.Handle) (string, error) {
	p, err := b.pathOf(h)
	if err != nil {
		return "", err
	}
	fi, err := b.stat(p)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", sandboxfs.ErrNotADirectory
	}
	return p, nil
}

func (b *Backend) attrOf(p string, fi fs.FileInfo) sandboxfs.Attr {
	typ := sandboxfs.FileTypeOf(fi.Mode())
	a := sandboxfs.Attr{
		Ino:   b.inos[p],
		Type:  typ,
		Mode:  fi.Mode() & sandboxfs.PermMask,
		Size:  fi.Size(),
		Nlink: 1,
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}
	if typ == sandboxfs.TypeDirectory {
		a.Nlink = 2
		a.Size = 0
	}
	return a
}

func (b *Backend) writable() error {
	if b.readOnly {
		return sandboxfs.ErrReadOnly
	}
	return nil
}

// child validates name and returns its path under directory handle
// dir.
func (b *Backend) child(dir sandboxfs.Handle, name string) (string, error) {
	if err := sandboxfs.ValidName(name); err != nil {
		return "", err
	}
	d, err := b.dirOf(dir)
	if err != nil {
		return "", err
	}
	return path.Join(d, name), nil
}

// exists reports whether p exists, treating other lstat errors as
// failures.
func (b *Backend) exists(p string) (fs.FileInfo, bool, error) {
	fi, err := b.tree.lstat(p)
	switch {
	case err == nil:
		return fi, true, nil
	case sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound:
		return nil, false, nil
	default:
		return nil, false, sandboxfs.Classify(err)
	}
}

func (b *Backend) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	const op = "pathfs.Backend.Lookup"
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.dirOf(dir)
	if err != nil {
		return 0, err
	}
	switch name {
	case ".":
		return dir, nil
	case "..":
		return b.internLocked(path.Dir(d)), nil
	}
	p, err := b.child(dir, name)
	if err != nil {
		return 0, err
	}
	if _, err := b.tree.lstat(p); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	return b.internLocked(p), nil
}

func (b *Backend) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pathOf(h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	fi, err := b.stat(p)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	return b.attrOf(p, fi), nil
}

func (b *Backend) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	const op = "pathfs.Backend.Setattr"
	if err := b.writable(); err != nil {
		return sandboxfs.Attr{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pathOf(h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	fi, err := b.stat(p)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	cur := b.attrOf(p, fi)

	if set.Mode != nil {
		if err := b.tree.chmod(p, *set.Mode&sandboxfs.PermMask); err != nil {
			return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
		}
	}
	if set.Uid != nil || set.Gid != nil {
		uid, gid := cur.Uid, cur.Gid
		if set.Uid != nil {
			uid = *set.Uid
		}
		if set.Gid != nil {
			gid = *set.Gid
		}
		if err := b.tree.chown(p, int(uid), int(gid)); err != nil {
			return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
		}
	}
	if set.Atime != nil || set.Mtime != nil {
		atime, mtime := cur.Atime, cur.Mtime
		if set.Atime != nil {
			atime = *set.Atime
		}
		if set.Mtime != nil {
			mtime = *set.Mtime
		}
		if err := b.tree.chtimes(p, atime, mtime); err != nil {
			return sandboxfs.Attr{}, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
		}
	}

	if fi, err = b.stat(p); err != nil {
		return sandboxfs.Attr{}, err
	}
	a := b.attrOf(p, fi)
	// Trees without ownership keep what was asked for in the reply.
	if set.Uid != nil {
		a.Uid = *set.Uid
	}
	if set.Gid != nil {
		a.Gid = *set.Gid
	}
	return a, nil
}

// createLocked runs make at the path of name in dir after checking that
// nothing is there.
func (b *Backend) createLocked(op string, dir sandboxfs.Handle, name string, make func(p string) error) (sandboxfs.Handle, error) {
	if err := b.writable(); err != nil {
		return 0, err
	}
	p, err := b.child(dir, name)
	if err != nil {
		return 0, err
	}
	if _, ok, err := b.exists(p); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	} else if ok {
		return 0, sandboxfs.ErrAlreadyExists
	}
	if err := make(p); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	return b.internLocked(p), nil
}

func (b *Backend) chownNew(p string, spec sandboxfs.NodeSpec) error {
	if spec.Uid == 0 && spec.Gid == 0 {
		return nil
	}
	return b.tree.chown(p, int(spec.Uid), int(spec.Gid))
}

func (b *Backend) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	switch spec.Type {
	case sandboxfs.TypeRegular, sandboxfs.TypeUnknown:
	case sandboxfs.TypeDirectory, sandboxfs.TypeSymlink:
		return 0, sandboxfs.ErrInvalid
	default:
		return 0, sandboxfs.ErrNotSupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked("pathfs.Backend.Create", dir, name, func(p string) error {
		f, err := b.tree.openFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, spec.Mode&sandboxfs.PermMask)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return b.chownNew(p, spec)
	})
}

func (b *Backend) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked("pathfs.Backend.Mkdir", dir, name, func(p string) error {
		if err := b.tree.mkdir(p, spec.Mode&sandboxfs.PermMask); err != nil {
			return err
		}
		return b.chownNew(p, spec)
	})
}

func (b *Backend) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	if !b.tree.symlinks() {
		return 0, sandboxfs.ErrNotSupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked("pathfs.Backend.Symlink", dir, name, func(p string) error {
		return b.tree.symlink(target, p)
	})
}

func (b *Backend) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pathOf(h)
	if err != nil {
		return "", err
	}
	fi, err := b.stat(p)
	if err != nil {
		return "", err
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return "", sandboxfs.ErrInvalid
	}
	target, err := b.tree.readlink(p)
	if err != nil {
		return "", fmt.Errorf("pathfs.Backend.Readlink: %w", sandboxfs.Classify(err))
	}
	return target, nil
}

func (b *Backend) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	return sandboxfs.ErrNotSupported
}

// dropLocked detaches every handle at or below p.
func (b *Backend) dropLocked(p string) {
	for q, h := range b.byPath {
		if q == p || strings.HasPrefix(q, p+"/") {
			delete(b.byPath, q)
			b.nodes[h].path = ""
			delete(b.inos, q)
		}
	}
}

func (b *Backend) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "pathfs.Backend.Unlink"
	if err := b.writable(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.child(dir, name)
	if err != nil {
		return err
	}
	fi, err := b.tree.lstat(p)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	if fi.IsDir() {
		return sandboxfs.ErrIsADirectory
	}
	if err := b.tree.remove(p); err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	b.dropLocked(p)
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "pathfs.Backend.Rmdir"
	if err := b.writable(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.child(dir, name)
	if err != nil {
		return err
	}
	fi, err := b.tree.lstat(p)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	if !fi.IsDir() {
		return sandboxfs.ErrNotADirectory
	}
	// Some trees remove non-empty directories.
	names, err := readDirNames(b.tree, p)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	if len(names) > 0 {
		return sandboxfs.ErrNotEmpty
	}
	if err := b.tree.remove(p); err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, sandboxfs.Classify(err))
	}
	b.dropLocked(p)
	return nil
}

// Rename checks POSIX rename rules itself, removes a replaced entry and
// then renames, so another user of the same tree can observe the gap.
func (b *Backend) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	const op = "pathfs.Backend.Rename"
	if err := b.writable(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	from, err := b.child(srcDir, srcName)
	if err != nil {
		return err
	}
	to, err := b.child(dstDir, dstName)
	if err != nil {
		return err
	}
	src, err := b.tree.lstat(from)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, srcName, sandboxfs.Classify(err))
	}
	if from == to {
		return nil
	}
	if src.IsDir() && strings.HasPrefix(to, from+"/") {
		return sandboxfs.ErrInvalid
	}
	dst, ok, err := b.exists(to)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, dstName, err)
	}
	if ok {
		if flags&sandboxfs.RenameNoReplace != 0 {
			return sandboxfs.ErrAlreadyExists
		}
		switch {
		case src.IsDir() && !dst.IsDir():
			return sandboxfs.ErrNotADirectory
		case !src.IsDir() && dst.IsDir():
			return sandboxfs.ErrIsADirectory
		}
		if dst.IsDir() {
			names, err := readDirNames(b.tree, to)
			if err != nil {
				return fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
			}
			if len(names) > 0 {
				return sandboxfs.ErrNotEmpty
			}
		}
		if err := b.tree.remove(to); err != nil {
			return fmt.Errorf("%s: %s: %w", op, dstName, sandboxfs.Classify(err))
		}
		b.dropLocked(to)
	}
	if err := b.tree.rename(from, to); err != nil {
		return fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	b.moveLocked(from, to)
	return nil
}

// moveLocked rewrites handles and inode numbers at or below from to
// live under to.
func (b *Backend) moveLocked(from, to string) {
	handles := make(map[string]sandboxfs.Handle)
	inos := make(map[string]uint64)
	rebase := func(p string) (string, bool) {
		switch {
		case p == from:
			return to, true
		case strings.HasPrefix(p, from+"/"):
			return to + p[len(from):], true
		}
		return "", false
	}
	for p, h := range b.byPath {
		if q, ok := rebase(p); ok {
			handles[q] = h
			delete(b.byPath, p)
		}
	}
	for p, ino := range b.inos {
		if q, ok := rebase(p); ok {
			inos[q] = ino
			delete(b.inos, p)
		}
	}
	for p, h := range handles {
		b.nodes[h].path = p
		b.byPath[p] = h
	}
	for p, ino := range inos {
		b.inos[p] = ino
	}
}

func (b *Backend) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	const op = "pathfs.Backend.ReadDir"
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.dirOf(dir)
	if err != nil {
		return nil, err
	}
	names, err := readDirNames(b.tree, d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	var out []sandboxfs.DirEntry
	for _, name := range names {
		if name <= after {
			continue
		}
		if max > 0 && len(out) == max {
			break
		}
		p := path.Join(d, name)
		fi, err := b.tree.lstat(p)
		if err != nil {
			// Removed since the listing.
			continue
		}
		h := b.internLocked(p)
		out = append(out, sandboxfs.DirEntry{
			Name:   name,
			Type:   sandboxfs.FileTypeOf(fi.Mode()),
			Ino:    b.inos[p],
			Handle: h,
		})
	}
	return out, nil
}

func (b *Backend) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	if flags.Writable() {
		if err := b.writable(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pathOf(h)
	if err != nil {
		return err
	}
	fi, err := b.stat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() && flags.Writable() {
		return sandboxfs.ErrIsADirectory
	}
	b.nodes[h].pins++
	return nil
}

func (b *Backend) Release(ctx context.Context, h sandboxfs.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[h]
	if !ok {
		return sandboxfs.ErrStaleInode
	}
	if n.pins > 0 {
		n.pins--
	}
	return nil
}

// regularLocked returns the path and info of regular file h.
func (b *Backend) regularLocked(h sandboxfs.Handle) (string, fs.FileInfo, error) {
	p, err := b.pathOf(h)
	if err != nil {
		return "", nil, err
	}
	fi, err := b.stat(p)
	if err != nil {
		return "", nil, err
	}
	switch {
	case fi.Mode().IsRegular():
		return p, fi, nil
	case fi.IsDir():
		return "", nil, sandboxfs.ErrIsADirectory
	default:
		return "", nil, sandboxfs.ErrInvalid
	}
}

func (b *Backend) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	const op = "pathfs.Backend.Read"
	b.mu.Lock()
	defer b.mu.Unlock()
	name, fi, err := b.regularLocked(h)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	if off >= fi.Size() {
		return 0, io.EOF
	}
	if rest := fi.Size() - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	f, err := b.tree.openFile(name, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		err = nil
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	return n, err
}

func (b *Backend) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	const op = "pathfs.Backend.Write"
	if err := b.writable(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	name, _, err := b.regularLocked(h)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	f, err := b.tree.openFile(name, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	n, err := f.WriteAt(p, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	return n, nil
}

func (b *Backend) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	const op = "pathfs.Backend.Truncate"
	if err := b.writable(); err != nil {
		return err
	}
	if size < 0 {
		return sandboxfs.ErrInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	name, _, err := b.regularLocked(h)
	if err != nil {
		return err
	}
	f, err := b.tree.openFile(name, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	err = f.Truncate(size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, sandboxfs.Classify(err))
	}
	// Not every tree updates the modification time on truncate.
	if err := b.tree.chtimes(name, time.Now(), time.Now()); err != nil {
		b.logger.Debug("failed to update times after truncate", "path", name, "error", err)
	}
	return nil
}

func (b *Backend) Sync(ctx context.Context, h sandboxfs.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, _, err := b.regularLocked(h)
	if err == sandboxfs.ErrIsADirectory || err == sandboxfs.ErrInvalid {
		return nil
	}
	if err != nil {
		return err
	}
	f, err := b.tree.openFile(name, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("pathfs.Backend.Sync: %w", sandboxfs.Classify(err))
	}
	defer f.Close()
	return sandboxfs.Classify(f.Sync())
}

func (b *Backend) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	return nil, sandboxfs.ErrNotSupported
}

func (b *Backend) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	return sandboxfs.ErrNotSupported
}

func (b *Backend) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	return nil, sandboxfs.ErrNotSupported
}

func (b *Backend) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	return sandboxfs.ErrNotSupported
}

func (b *Backend) Forget(h sandboxfs.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == b.root {
		return
	}
	n, ok := b.nodes[h]
	if !ok || n.pins > 0 {
		return
	}
	delete(b.nodes, h)
	if n.path != "" && b.byPath[n.path] == h {
		delete(b.byPath, n.path)
	}
}
