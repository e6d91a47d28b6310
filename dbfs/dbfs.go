// Package dbfs implements a sandboxfs backend stored in a SQL database.
//
// Inodes, directory entries, content chunks and extended attributes
// live in four tables, and every operation runs in one transaction, so
// rename and hardlinks are native. The same queries serve SQLite
// (zombiezen.com/go/sqlite) and PostgreSQL (pgx). Handles are inode
// numbers and stay valid across restarts.
package dbfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
)

const (
	rootIno = 1

	// DefaultChunkSize is the content chunk size of new databases. An
	// existing database keeps the size it was created with.
	DefaultChunkSize = 64 << 10
)

// Backend is a filesystem in a SQL database.
type Backend struct {
	store     store
	caps      sandboxfs.Capabilities
	clock     clock.Clock
	logger    *slog.Logger
	chunkSize int64
	poolSize  int

	// pinMu orders pin counting against the decision to delete an
	// inode whose last link went away.
	pinMu sync.Mutex
	pins  map[int64]int
}

// Option configures a Backend.
type Option func(*Backend)

func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithChunkSize sets the chunk size used when creating a database.
func WithChunkSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.chunkSize = int64(n)
		}
	}
}

// WithPoolSize sets the number of SQLite connections.
func WithPoolSize(n int) Option {
	return func(b *Backend) { b.poolSize = n }
}

func newBackend(opts []Option) *Backend {
	b := &Backend{
		caps: sandboxfs.Capabilities{
			AtomicRename:     sandboxfs.Native,
			Hardlinks:        sandboxfs.Native,
			Symlinks:         sandboxfs.Native,
			PosixPermissions: sandboxfs.Emulated,
			Xattrs:           sandboxfs.Emulated,
			FileLocks:        sandboxfs.Unsupported,
			CaseSensitive:    sandboxfs.Native,
			SparseFiles:      sandboxfs.Emulated,
			DeviceNodes:      sandboxfs.Emulated,
		},
		clock:     clock.Real(),
		logger:    slog.New(slog.DiscardHandler),
		chunkSize: DefaultChunkSize,
		pins:      make(map[int64]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OpenSQLite opens or creates the filesystem in the SQLite database at
// path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	b := newBackend(opts)
	s, err := openSQLite(path, b.poolSize)
	if err != nil {
		return nil, err
	}
	return b.init(ctx, s)
}

// OpenPostgres opens or creates the filesystem in the PostgreSQL
// database named by dsn.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	b := newBackend(opts)
	s, err := openPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return b.init(ctx, s)
}

func (b *Backend) init(ctx context.Context, s store) (*Backend, error) {
	b.store = s
	var purged int64
	err := s.inTx(ctx, true, func(q querier) error {
		if _, err := q.exec(ctx, `INSERT INTO counters (name, value) VALUES ('ino', ?) ON CONFLICT (name) DO NOTHING`, int64(rootIno)); err != nil {
			return err
		}
		if _, err := q.exec(ctx, `INSERT INTO counters (name, value) VALUES ('chunk_size', ?) ON CONFLICT (name) DO NOTHING`, b.chunkSize); err != nil {
			return err
		}
		if err := queryRow(ctx, q, `SELECT value FROM counters WHERE name = 'chunk_size'`, nil, &b.chunkSize); err != nil {
			return err
		}

		now := b.clock.Now().UnixNano()
		root := &inode{
			ino: rootIno, typ: int64(sandboxfs.TypeDirectory), mode: 0o755, nlink: 2,
			atime: now, mtime: now, ctime: now, parent: rootIno,
		}
		if _, err := q.exec(ctx, `INSERT INTO inodes (`+inodeColumns+`) VALUES (`+inodeValues+`) ON CONFLICT (ino) DO NOTHING`, root.args()...); err != nil {
			return err
		}

		// Inodes a previous process left unlinked but open.
		for _, table := range []string{"chunks", "xattrs"} {
			if _, err := q.exec(ctx, `DELETE FROM `+table+` WHERE ino IN (SELECT ino FROM inodes WHERE nlink = 0)`); err != nil {
				return err
			}
		}
		var err error
		purged, err = q.exec(ctx, `DELETE FROM inodes WHERE nlink = 0`)
		return err
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("dbfs: initializing %s: %w", s.name(), err)
	}
	b.logger.Debug("opened database filesystem", "store", s.name(), "chunk_size", b.chunkSize, "purged", purged)
	return b, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.store.close()
}

var _ sandboxfs.Backend = (*Backend)(nil)

func (b *Backend) Capabilities() sandboxfs.Capabilities { return b.caps }

func (b *Backend) Root() sandboxfs.Handle { return rootIno }

// wrap attaches op to err. Database failures become ErrIO unless the
// caller's context ended.
func wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var e sandboxfs.Errno
	switch {
	case errors.As(err, &e):
		return fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return fmt.Errorf("%s: %w: %w", op, sandboxfs.ErrIO, err)
	}
}

func (b *Backend) view(ctx context.Context, op string, fn func(q querier) error) error {
	return wrap(ctx, op, b.store.inTx(ctx, false, fn))
}

func (b *Backend) update(ctx context.Context, op string, fn func(q querier) error) error {
	return wrap(ctx, op, b.store.inTx(ctx, true, fn))
}

// updatePinned is update for operations that may delete an inode.
func (b *Backend) updatePinned(ctx context.Context, op string, fn func(q querier) error) error {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	return b.update(ctx, op, fn)
}

// inode is one row of the inodes table.
type inode struct {
	ino, typ, mode, uid, gid, size, nlink, rdev int64
	atime, mtime, ctime, gen, parent            int64
	target                                      string
}

const (
	inodeColumns = "ino, type, mode, uid, gid, size, nlink, rdev, atime, mtime, ctime, gen, parent, target"
	inodeValues  = "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
)

func (n *inode) dest() []any {
	return []any{&n.ino, &n.typ, &n.mode, &n.uid, &n.gid, &n.size, &n.nlink, &n.rdev,
		&n.atime, &n.mtime, &n.ctime, &n.gen, &n.parent, &n.target}
}

func (n *inode) args() []any {
	return []any{n.ino, n.typ, n.mode, n.uid, n.gid, n.size, n.nlink, n.rdev,
		n.atime, n.mtime, n.ctime, n.gen, n.parent, n.target}
}

func (n *inode) fileType() sandboxfs.FileType { return sandboxfs.FileType(n.typ) }

func (n *inode) isDir() bool { return n.fileType() == sandboxfs.TypeDirectory }

func (n *inode) attr() sandboxfs.Attr {
	return sandboxfs.Attr{
		Ino:   uint64(n.ino),
		Type:  n.fileType(),
		Mode:  fs.FileMode(n.mode) & sandboxfs.PermMask,
		Uid:   uint32(n.uid),
		Gid:   uint32(n.gid),
		Size:  n.size,
		Nlink: uint32(n.nlink),
		Rdev:  uint64(n.rdev),
		Atime: time.Unix(0, n.atime),
		Mtime: time.Unix(0, n.mtime),
		Ctime: time.Unix(0, n.ctime),
		Gen:   uint64(n.gen),
	}
}

func getInode(ctx context.Context, q querier, ino int64) (*inode, error) {
	var n inode
	err := queryRow(ctx, q, `SELECT `+inodeColumns+` FROM inodes WHERE ino = ?`, []any{ino}, n.dest()...)
	if errors.Is(err, errNoRows) {
		return nil, sandboxfs.ErrStaleInode
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func dirInode(ctx context.Context, q querier, h sandboxfs.Handle) (*inode, error) {
	n, err := getInode(ctx, q, int64(h))
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, sandboxfs.ErrNotADirectory
	}
	return n, nil
}

func insertInode(ctx context.Context, q querier, n *inode) error {
	_, err := q.exec(ctx, `INSERT INTO inodes (`+inodeColumns+`) VALUES (`+inodeValues+`)`, n.args()...)
	return err
}

func putInode(ctx context.Context, q querier, n *inode) error {
	_, err := q.exec(ctx, `UPDATE inodes SET type = ?, mode = ?, uid = ?, gid = ?, size = ?, nlink = ?, rdev = ?,
		atime = ?, mtime = ?, ctime = ?, gen = ?, parent = ?, target = ? WHERE ino = ?`,
		n.typ, n.mode, n.uid, n.gid, n.size, n.nlink, n.rdev, n.atime, n.mtime, n.ctime, n.gen, n.parent, n.target, n.ino)
	return err
}

func deleteInode(ctx context.Context, q querier, ino int64) error {
	for _, table := range []string{"chunks", "xattrs", "inodes"} {
		if _, err := q.exec(ctx, `DELETE FROM `+table+` WHERE ino = ?`, ino); err != nil {
			return err
		}
	}
	return nil
}

func nextIno(ctx context.Context, q querier) (int64, error) {
	var ino int64
	err := queryRow(ctx, q, `UPDATE counters SET value = value + 1 WHERE name = 'ino' RETURNING value`, nil, &ino)
	return ino, err
}

// lookupEntry returns the inode named name in parent, or
// ErrNotFound.
func lookupEntry(ctx context.Context, q querier, parent int64, name string) (int64, error) {
	var ino int64
	err := queryRow(ctx, q, `SELECT ino FROM dirents WHERE parent = ? AND name = ?`, []any{parent, name}, &ino)
	if errors.Is(err, errNoRows) {
		return 0, sandboxfs.ErrNotFound
	}
	return ino, err
}

func insertEntry(ctx context.Context, q querier, parent int64, name string, ino int64) error {
	_, err := q.exec(ctx, `INSERT INTO dirents (parent, name, ino) VALUES (?, ?, ?)`, parent, name, ino)
	return err
}

func deleteEntry(ctx context.Context, q querier, parent int64, name string) error {
	_, err := q.exec(ctx, `DELETE FROM dirents WHERE parent = ? AND name = ?`, parent, name)
	return err
}

func hasEntries(ctx context.Context, q querier, dir int64) (bool, error) {
	var name string
	err := queryRow(ctx, q, `SELECT name FROM dirents WHERE parent = ? LIMIT 1`, []any{dir}, &name)
	if errors.Is(err, errNoRows) {
		return false, nil
	}
	return err == nil, err
}

// touch records an entry change in directory d.
func touch(ctx context.Context, q querier, d *inode, now int64) error {
	d.mtime, d.ctime = now, now
	d.gen++
	return putInode(ctx, q, d)
}

// dropLink removes one link to n, deleting it once no link and no open
// handle remains. The caller holds pinMu.
func (b *Backend) dropLink(ctx context.Context, q querier, n *inode, now int64) error {
	n.nlink--
	n.ctime = now
	if n.nlink <= 0 && b.pins[n.ino] == 0 {
		return deleteInode(ctx, q, n.ino)
	}
	return putInode(ctx, q, n)
}

func (b *Backend) now() int64 { return b.clock.Now().UnixNano() }

func (b *Backend) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	const op = "dbfs.Backend.Lookup"
	if name != "." && name != ".." {
		if err := sandboxfs.ValidName(name); err != nil {
			return 0, err
		}
	}
	var ino int64
	err := b.view(ctx, op, func(q querier) error {
		d, err := dirInode(ctx, q, dir)
		if err != nil {
			return err
		}
		switch name {
		case ".":
			ino = d.ino
		case "..":
			ino = d.parent
		default:
			ino, err = lookupEntry(ctx, q, d.ino, name)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return sandboxfs.Handle(ino), nil
}

func (b *Backend) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	var n *inode
	err := b.view(ctx, "dbfs.Backend.Getattr", func(q querier) (err error) {
		n, err = getInode(ctx, q, int64(h))
		return err
	})
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	return n.attr(), nil
}

func (b *Backend) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	var a sandboxfs.Attr
	err := b.update(ctx, "dbfs.Backend.Setattr", func(q querier) error {
		n, err := getInode(ctx, q, int64(h))
		if err != nil {
			return err
		}
		a = n.attr()
		set.Apply(&a, b.clock.Now())
		n.mode = int64(a.Mode & sandboxfs.PermMask)
		n.uid, n.gid = int64(a.Uid), int64(a.Gid)
		n.atime, n.mtime, n.ctime = a.Atime.UnixNano(), a.Mtime.UnixNano(), a.Ctime.UnixNano()
		return putInode(ctx, q, n)
	})
	return a, err
}

// createNode adds a new inode named name in dir.
func (b *Backend) createNode(ctx context.Context, op string, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec, target string) (sandboxfs.Handle, error) {
	if err := sandboxfs.ValidName(name); err != nil {
		return 0, err
	}
	var ino int64
	err := b.update(ctx, op, func(q querier) error {
		d, err := dirInode(ctx, q, dir)
		if err != nil {
			return err
		}
		if _, err := lookupEntry(ctx, q, d.ino, name); err == nil {
			return sandboxfs.ErrAlreadyExists
		} else if !errors.Is(err, sandboxfs.ErrNotFound) {
			return err
		}
		if ino, err = nextIno(ctx, q); err != nil {
			return err
		}
		now := b.now()
		n := &inode{
			ino:    ino,
			typ:    int64(spec.Type),
			mode:   int64(spec.Mode & sandboxfs.PermMask),
			uid:    int64(spec.Uid),
			gid:    int64(spec.Gid),
			size:   int64(len(target)),
			nlink:  1,
			rdev:   int64(spec.Rdev),
			atime:  now,
			mtime:  now,
			ctime:  now,
			parent: d.ino,
			target: target,
		}
		if n.isDir() {
			n.nlink = 2
			d.nlink++
		}
		if err := insertInode(ctx, q, n); err != nil {
			return err
		}
		if err := insertEntry(ctx, q, d.ino, name, ino); err != nil {
			return err
		}
		return touch(ctx, q, d, now)
	})
	if err != nil {
		return 0, err
	}
	return sandboxfs.Handle(ino), nil
}

func (b *Backend) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	switch spec.Type {
	case sandboxfs.TypeDirectory, sandboxfs.TypeSymlink:
		return 0, sandboxfs.ErrInvalid
	case sandboxfs.TypeUnknown:
		spec.Type = sandboxfs.TypeRegular
	}
	return b.createNode(ctx, "dbfs.Backend.Create", dir, name, spec, "")
}

func (b *Backend) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	spec.Type = sandboxfs.TypeDirectory
	return b.createNode(ctx, "dbfs.Backend.Mkdir", dir, name, spec, "")
}

func (b *Backend) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	spec.Type = sandboxfs.TypeSymlink
	return b.createNode(ctx, "dbfs.Backend.Symlink", dir, name, spec, target)
}

func (b *Backend) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	var target string
	err := b.view(ctx, "dbfs.Backend.Readlink", func(q querier) error {
		n, err := getInode(ctx, q, int64(h))
		if err != nil {
			return err
		}
		if n.fileType() != sandboxfs.TypeSymlink {
			return sandboxfs.ErrInvalid
		}
		target = n.target
		return nil
	})
	return target, err
}

func (b *Backend) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	return b.update(ctx, "dbfs.Backend.Link", func(q querier) error {
		n, err := getInode(ctx, q, int64(h))
		if err != nil {
			return err
		}
		if n.isDir() {
			return sandboxfs.ErrPermissionDenied
		}
		if n.nlink == 0 {
			return sandboxfs.ErrNotFound
		}
		d, err := dirInode(ctx, q, dir)
		if err != nil {
			return err
		}
		if _, err := lookupEntry(ctx, q, d.ino, name); err == nil {
			return sandboxfs.ErrAlreadyExists
		} else if !errors.Is(err, sandboxfs.ErrNotFound) {
			return err
		}
		if err := insertEntry(ctx, q, d.ino, name, n.ino); err != nil {
			return err
		}
		now := b.now()
		n.nlink++
		n.ctime = now
		if err := putInode(ctx, q, n); err != nil {
			return err
		}
		return touch(ctx, q, d, now)
	})
}

func (b *Backend) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	return b.updatePinned(ctx, "dbfs.Backend.Unlink", func(q querier) error {
		d, err := dirInode(ctx, q, dir)
		if err != nil {
			return err
		}
		ino, err := lookupEntry(ctx, q, d.ino, name)
		if err != nil {
			return err
		}
		n, err := getInode(ctx, q, ino)
		if err != nil {
			return err
		}
		if n.isDir() {
			return sandboxfs.ErrIsADirectory
		}
		if err := deleteEntry(ctx, q, d.ino, name); err != nil {
			return err
		}
		now := b.now()
		if err := b.dropLink(ctx, q, n, now); err != nil {
			return err
		}
		return touch(ctx, q, d, now)
	})
}

func (b *Backend) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	return b.updatePinned(ctx, "dbfs.Backend.Rmdir", func(q querier) error {
		d, err := dirInode(ctx, q, dir)
		if err != nil {
			return err
		}
		ino, err := lookupEntry(ctx, q, d.ino, name)
		if err != nil {
			return err
		}
		n, err := getInode(ctx, q, ino)
		if err != nil {
			return err
		}
		if !n.isDir() {
			return sandboxfs.ErrNotADirectory
		}
		if full, err := hasEntries(ctx, q, n.ino); err != nil {
			return err
		} else if full {
			return sandboxfs.ErrNotEmpty
		}
		if err := deleteEntry(ctx, q, d.ino, name); err != nil {
			return err
		}
		if err := deleteInode(ctx, q, n.ino); err != nil {
			return err
		}
		d.nlink--
		return touch(ctx, q, d, b.now())
	})
}

// Rename moves an entry in one transaction.
func (b *Backend) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	if err := sandboxfs.ValidName(srcName); err != nil {
		return err
	}
	if err := sandboxfs.ValidName(dstName); err != nil {
		return err
	}
	return b.updatePinned(ctx, "dbfs.Backend.Rename", func(q querier) error {
		sd, err := dirInode(ctx, q, srcDir)
		if err != nil {
			return err
		}
		dd := sd
		if dstDir != srcDir {
			if dd, err = dirInode(ctx, q, dstDir); err != nil {
				return err
			}
		}
		srcIno, err := lookupEntry(ctx, q, sd.ino, srcName)
		if err != nil {
			return err
		}
		src, err := getInode(ctx, q, srcIno)
		if err != nil {
			return err
		}
		dstIno, err := lookupEntry(ctx, q, dd.ino, dstName)
		exists := err == nil
		if err != nil && !errors.Is(err, sandboxfs.ErrNotFound) {
			return err
		}
		if exists && dstIno == srcIno {
			return nil
		}
		if src.isDir() && dd != sd {
			// The destination must not lie inside the source.
			for p := dd.ino; ; {
				if p == src.ino {
					return sandboxfs.ErrInvalid
				}
				if p == rootIno {
					break
				}
				pn, err := getInode(ctx, q, p)
				if err != nil {
					return err
				}
				p = pn.parent
			}
		}

		now := b.now()
		if exists {
			if flags&sandboxfs.RenameNoReplace != 0 {
				return sandboxfs.ErrAlreadyExists
			}
			dst, err := getInode(ctx, q, dstIno)
			if err != nil {
				return err
			}
			switch {
			case src.isDir() && !dst.isDir():
				return sandboxfs.ErrNotADirectory
			case !src.isDir() && dst.isDir():
				return sandboxfs.ErrIsADirectory
			}
			if err := deleteEntry(ctx, q, dd.ino, dstName); err != nil {
				return err
			}
			if dst.isDir() {
				if full, err := hasEntries(ctx, q, dst.ino); err != nil {
					return err
				} else if full {
					return sandboxfs.ErrNotEmpty
				}
				if err := deleteInode(ctx, q, dst.ino); err != nil {
					return err
				}
				dd.nlink--
			} else if err := b.dropLink(ctx, q, dst, now); err != nil {
				return err
			}
		}

		if _, err := q.exec(ctx, `UPDATE dirents SET parent = ?, name = ? WHERE parent = ? AND name = ?`,
			dd.ino, dstName, sd.ino, srcName); err != nil {
			return err
		}
		if src.isDir() {
			src.parent = dd.ino
			if dd != sd {
				sd.nlink--
				dd.nlink++
			}
		}
		src.ctime = now
		if err := putInode(ctx, q, src); err != nil {
			return err
		}
		if err := touch(ctx, q, sd, now); err != nil {
			return err
		}
		if dd != sd {
			return touch(ctx, q, dd, now)
		}
		return nil
	})
}

func (b *Backend) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	limit := int64(math.MaxInt32)
	if max > 0 {
		limit = int64(max)
	}
	var out []sandboxfs.DirEntry
	err := b.view(ctx, "dbfs.Backend.ReadDir", func(q querier) error {
		d, err := dirInode(ctx, q, dir)
		if err != nil {
			return err
		}
		return q.query(ctx, `SELECT d.name, d.ino, i.type FROM dirents d JOIN inodes i ON i.ino = d.ino
			WHERE d.parent = ? AND d.name > ? ORDER BY d.name LIMIT ?`,
			[]any{d.ino, after, limit},
			func(scan func(dest ...any) error) error {
				var name string
				var ino, typ int64
				if err := scan(&name, &ino, &typ); err != nil {
					return err
				}
				out = append(out, sandboxfs.DirEntry{
					Name:   name,
					Type:   sandboxfs.FileType(typ),
					Ino:    uint64(ino),
					Handle: sandboxfs.Handle(ino),
				})
				return nil
			})
	})
	return out, err
}

func (b *Backend) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	err := b.view(ctx, "dbfs.Backend.Open", func(q querier) error {
		n, err := getInode(ctx, q, int64(h))
		if err != nil {
			return err
		}
		if n.isDir() && flags.Writable() {
			return sandboxfs.ErrIsADirectory
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.pins[int64(h)]++
	return nil
}

// Release drops a pin and deletes the inode if it was the last
// reference to an unlinked file.
func (b *Backend) Release(ctx context.Context, h sandboxfs.Handle) error {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	ino := int64(h)
	if b.pins[ino] > 1 {
		b.pins[ino]--
		return nil
	}
	delete(b.pins, ino)
	ctx = context.WithoutCancel(ctx)
	return b.update(ctx, "dbfs.Backend.Release", func(q querier) error {
		n, err := getInode(ctx, q, ino)
		if errors.Is(err, sandboxfs.ErrStaleInode) {
			return nil
		}
		if err != nil {
			return err
		}
		if n.nlink <= 0 {
			b.logger.Debug("reclaiming unlinked inode", "ino", ino)
			return deleteInode(ctx, q, ino)
		}
		return nil
	})
}

// Forget is a no-op: handles are inode numbers.
func (b *Backend) Forget(h sandboxfs.Handle) {}
