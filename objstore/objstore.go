// Package objstore implements a sandboxfs backend over a flat object
// store. Each path has a CBOR metadata record; file content is split
// into fixed-size chunks stored as content-addressed blobs, compressed
// and optionally age-encrypted. Rename is copy plus delete, so the
// backend declares it Emulated.
package objstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
	"github.com/absfs/sandboxfs/internal/codec"
)

const (
	metaPrefix = "m"
	blobPrefix = "b/"

	// DefaultChunkSize is the content chunk size.
	DefaultChunkSize = 64 << 10

	listPage = 256
)

// record is the stored metadata of one path.
type record struct {
	Ino    uint64             `cbor:"ino"`
	Type   sandboxfs.FileType `cbor:"type"`
	Mode   uint32             `cbor:"mode"`
	Uid    uint32             `cbor:"uid"`
	Gid    uint32             `cbor:"gid"`
	Size   int64              `cbor:"size"`
	Rdev   uint64             `cbor:"rdev,omitempty"`
	Atime  time.Time          `cbor:"atime"`
	Mtime  time.Time          `cbor:"mtime"`
	Ctime  time.Time          `cbor:"ctime"`
	Gen    uint64             `cbor:"gen,omitempty"`
	Target string             `cbor:"target,omitempty"`
	// Chunks holds one blob key per chunk; "" is a hole.
	Chunks []string          `cbor:"chunks,omitempty"`
	Xattrs map[string][]byte `cbor:"xattrs,omitempty"`
}

func (r *record) attr() sandboxfs.Attr {
	a := sandboxfs.Attr{
		Ino:   r.Ino,
		Type:  r.Type,
		Mode:  fsMode(r.Mode),
		Uid:   r.Uid,
		Gid:   r.Gid,
		Size:  r.Size,
		Nlink: 1,
		Rdev:  r.Rdev,
		Atime: r.Atime,
		Mtime: r.Mtime,
		Ctime: r.Ctime,
		Gen:   r.Gen,
	}
	if r.Type == sandboxfs.TypeDirectory {
		a.Nlink = 2
	}
	return a
}

func fsMode(m uint32) fs.FileMode { return fs.FileMode(m) & sandboxfs.PermMask }

func metaKey(p string) string { return metaPrefix + p }

// childPrefix is the key prefix shared by everything below directory p.
func childPrefix(p string) string {
	if p == "/" {
		return metaPrefix + "/"
	}
	return metaPrefix + p + "/"
}

type node struct {
	path string
	pins int
	// orphan holds the record of a file unlinked while open.
	orphan *record
}

// Backend is a filesystem stored in a Bucket.
type Backend struct {
	bucket    Bucket
	sealer    sealer
	chunkSize int
	latency   time.Duration
	caps      sandboxfs.Capabilities
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	nodes  map[sandboxfs.Handle]*node
	byPath map[string]sandboxfs.Handle
	next   sandboxfs.Handle
	root   sandboxfs.Handle
	// refs counts the records that reference each blob.
	refs map[string]int
}

// Option configures a Backend.
type Option func(*Backend)

// WithCompression selects chunk compression; zstd is the default.
func WithCompression(c Compression) Option {
	return func(b *Backend) { b.sealer.compression = c }
}

// WithEncryption encrypts chunks to recipients and decrypts them with
// identities. Both are usually derived from one X25519 identity.
func WithEncryption(recipients []age.Recipient, identities []age.Identity) Option {
	return func(b *Backend) {
		b.sealer.recipients = recipients
		b.sealer.identities = identities
	}
}

// WithChunkSize sets the content chunk size.
func WithChunkSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithLatency delays every bucket call by d. The delay ends early with
// the caller's context.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

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

// New opens the filesystem stored in bucket, creating an empty root if
// the bucket holds none.
func New(ctx context.Context, bucket Bucket, opts ...Option) (*Backend, error) {
	const op = "objstore.New"
	b := &Backend{
		bucket:    bucket,
		sealer:    sealer{compression: CompressZstd},
		chunkSize: DefaultChunkSize,
		caps: sandboxfs.Capabilities{
			AtomicRename:     sandboxfs.Emulated,
			Hardlinks:        sandboxfs.Unsupported,
			Symlinks:         sandboxfs.Emulated,
			PosixPermissions: sandboxfs.Emulated,
			Xattrs:           sandboxfs.Emulated,
			FileLocks:        sandboxfs.Unsupported,
			CaseSensitive:    sandboxfs.Native,
			SparseFiles:      sandboxfs.Emulated,
			DeviceNodes:      sandboxfs.Emulated,
		},
		clock:  clock.Real(),
		logger: slog.New(slog.DiscardHandler),
		nodes:  make(map[sandboxfs.Handle]*node),
		byPath: make(map[string]sandboxfs.Handle),
		next:   1,
		refs:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.latency > 0 {
		b.bucket = Delayed(bucket, b.latency, b.clock)
	}

	if _, err := b.load(ctx, "/"); sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
		now := b.clock.Now()
		root := &record{Ino: newIno(), Type: sandboxfs.TypeDirectory, Mode: 0o755, Atime: now, Mtime: now, Ctime: now}
		if err := b.store(ctx, "/", root); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := b.countRefs(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b.root = b.internLocked("/")
	b.logger.Debug("opened object store", "blobs", len(b.refs))
	return b, nil
}

var _ sandboxfs.Backend = (*Backend)(nil)

func (b *Backend) Capabilities() sandboxfs.Capabilities { return b.caps }

func (b *Backend) Root() sandboxfs.Handle { return b.root }

// Blobs returns the number of distinct content blobs referenced.
func (b *Backend) Blobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.refs)
}

func newIno() uint64 {
	id := uuid.New()
	ino := binary.BigEndian.Uint64(id[:8]) &^ (1 << 63)
	if ino == 0 {
		ino = 1
	}
	return ino
}

// countRefs rebuilds the blob reference counts from every record.
func (b *Backend) countRefs(ctx context.Context) error {
	after := ""
	for {
		keys, err := b.bucket.List(ctx, metaPrefix+"/", after, listPage)
		if err != nil {
			return err
		}
		for _, k := range keys {
			r, err := b.load(ctx, strings.TrimPrefix(k, metaPrefix))
			if err != nil {
				return err
			}
			for _, c := range r.Chunks {
				if c != "" {
					b.refs[c]++
				}
			}
		}
		if len(keys) < listPage {
			return nil
		}
		after = keys[len(keys)-1]
	}
}

func (b *Backend) load(ctx context.Context, p string) (*record, error) {
	raw, err := b.bucket.Get(ctx, metaKey(p))
	if err != nil {
		return nil, err
	}
	var r record
	if err := codec.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", p, err)
	}
	return &r, nil
}

func (b *Backend) store(ctx context.Context, p string, r *record) error {
	raw, err := codec.Marshal(r)
	if err != nil {
		return err
	}
	return b.bucket.Put(ctx, metaKey(p), raw)
}

func (b *Backend) internLocked(p string) sandboxfs.Handle {
	if h, ok := b.byPath[p]; ok {
		return h
	}
	h := b.next
	b.next++
	b.nodes[h] = &node{path: p}
	b.byPath[p] = h
	return h
}

// recordOf returns the node and current record of h.
func (b *Backend) recordOf(ctx context.Context, h sandboxfs.Handle) (*node, *record, error) {
	n, ok := b.nodes[h]
	if !ok {
		return nil, nil, sandboxfs.ErrStaleInode
	}
	if n.orphan != nil {
		return n, n.orphan, nil
	}
	if n.path == "" {
		return nil, nil, sandboxfs.ErrStaleInode
	}
	r, err := b.load(ctx, n.path)
	if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
		return nil, nil, sandboxfs.ErrStaleInode
	}
	return n, r, err
}

// save writes r back to where n lives.
func (b *Backend) save(ctx context.Context, n *node, r *record) error {
	if n.orphan != nil {
		n.orphan = r
		return nil
	}
	return b.store(ctx, n.path, r)
}

func (b *Backend) dirOf(ctx context.Context, h sandboxfs.Handle) (*node, *record, error) {
	n, r, err := b.recordOf(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	if r.Type != sandboxfs.TypeDirectory {
		return nil, nil, sandboxfs.ErrNotADirectory
	}
	return n, r, nil
}

// touchDir records an entry change in directory p.
func (b *Backend) touchDir(ctx context.Context, p string, r *record, now time.Time) error {
	r.Mtime, r.Ctime = now, now
	r.Gen++
	return b.store(ctx, p, r)
}

func (b *Backend) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	const op = "objstore.Backend.Lookup"
	b.mu.Lock()
	defer b.mu.Unlock()

	dn, _, err := b.dirOf(ctx, dir)
	if err != nil {
		return 0, err
	}
	switch name {
	case ".":
		return dir, nil
	case "..":
		if dn.path == "/" {
			return dir, nil
		}
		return b.internLocked(path.Dir(dn.path)), nil
	}
	if err := sandboxfs.ValidName(name); err != nil {
		return 0, err
	}
	p := path.Join(dn.path, name)
	if _, err := b.load(ctx, p); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return b.internLocked(p), nil
}

func (b *Backend) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r, err := b.recordOf(ctx, h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	return r.attr(), nil
}

func (b *Backend) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, r, err := b.recordOf(ctx, h)
	if err != nil {
		return sandboxfs.Attr{}, err
	}
	a := r.attr()
	set.Apply(&a, b.clock.Now())
	r.Mode = uint32(a.Mode)
	r.Uid, r.Gid = a.Uid, a.Gid
	r.Atime, r.Mtime, r.Ctime = a.Atime, a.Mtime, a.Ctime
	if err := b.save(ctx, n, r); err != nil {
		return sandboxfs.Attr{}, fmt.Errorf("objstore.Backend.Setattr: %w", err)
	}
	return r.attr(), nil
}

// createLocked stores r as name in dir.
func (b *Backend) createLocked(ctx context.Context, op string, dir sandboxfs.Handle, name string, r *record) (sandboxfs.Handle, error) {
	dn, dr, err := b.dirOf(ctx, dir)
	if err != nil {
		return 0, err
	}
	if err := sandboxfs.ValidName(name); err != nil {
		return 0, err
	}
	p := path.Join(dn.path, name)
	if _, err := b.load(ctx, p); err == nil {
		return 0, sandboxfs.ErrAlreadyExists
	} else if sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}

	now := b.clock.Now()
	r.Ino = newIno()
	r.Atime, r.Mtime, r.Ctime = now, now, now
	if err := b.store(ctx, p, r); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if err := b.touchDir(ctx, dn.path, dr, now); err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, name, err)
	}
	return b.internLocked(p), nil
}

func recordFor(spec sandboxfs.NodeSpec) *record {
	return &record{
		Type: spec.Type,
		Mode: uint32(spec.Mode & sandboxfs.PermMask),
		Uid:  spec.Uid,
		Gid:  spec.Gid,
		Rdev: spec.Rdev,
	}
}

func (b *Backend) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	switch spec.Type {
	case sandboxfs.TypeDirectory, sandboxfs.TypeSymlink:
		return 0, sandboxfs.ErrInvalid
	case sandboxfs.TypeUnknown:
		spec.Type = sandboxfs.TypeRegular
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(ctx, "objstore.Backend.Create", dir, name, recordFor(spec))
}

func (b *Backend) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	spec.Type = sandboxfs.TypeDirectory
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(ctx, "objstore.Backend.Mkdir", dir, name, recordFor(spec))
}

func (b *Backend) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	spec.Type = sandboxfs.TypeSymlink
	r := recordFor(spec)
	r.Target = target
	r.Size = int64(len(target))
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(ctx, "objstore.Backend.Symlink", dir, name, r)
}

func (b *Backend) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r, err := b.recordOf(ctx, h)
	if err != nil {
		return "", err
	}
	if r.Type != sandboxfs.TypeSymlink {
		return "", sandboxfs.ErrInvalid
	}
	return r.Target, nil
}

// Link is not supported: records are keyed by path.
func (b *Backend) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	return sandboxfs.ErrNotSupported
}

// dropPathLocked detaches the handle at p, if any. An open file keeps
// its record in memory until released.
func (b *Backend) dropPathLocked(ctx context.Context, p string, r *record) {
	h, ok := b.byPath[p]
	if ok {
		delete(b.byPath, p)
		n := b.nodes[h]
		n.path = ""
		if n.pins > 0 && r.Type == sandboxfs.TypeRegular {
			n.orphan = r
			return
		}
	}
	b.releaseChunks(ctx, r.Chunks)
}

func (b *Backend) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "objstore.Backend.Unlink"
	b.mu.Lock()
	defer b.mu.Unlock()

	dn, dr, err := b.dirOf(ctx, dir)
	if err != nil {
		return err
	}
	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	p := path.Join(dn.path, name)
	r, err := b.load(ctx, p)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if r.Type == sandboxfs.TypeDirectory {
		return sandboxfs.ErrIsADirectory
	}
	if err := b.bucket.Delete(ctx, metaKey(p)); err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	b.dropPathLocked(ctx, p, r)
	return b.touchDir(ctx, dn.path, dr, b.clock.Now())
}

func (b *Backend) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	const op = "objstore.Backend.Rmdir"
	b.mu.Lock()
	defer b.mu.Unlock()

	dn, dr, err := b.dirOf(ctx, dir)
	if err != nil {
		return err
	}
	if err := sandboxfs.ValidName(name); err != nil {
		return err
	}
	p := path.Join(dn.path, name)
	r, err := b.load(ctx, p)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if r.Type != sandboxfs.TypeDirectory {
		return sandboxfs.ErrNotADirectory
	}
	children, err := b.children(ctx, p, "", 1)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	if len(children) > 0 {
		return sandboxfs.ErrNotEmpty
	}
	if err := b.bucket.Delete(ctx, metaKey(p)); err != nil {
		return fmt.Errorf("%s: %s: %w", op, name, err)
	}
	b.dropPathLocked(ctx, p, r)
	return b.touchDir(ctx, dn.path, dr, b.clock.Now())
}

// subtree returns the keys of every record below directory p.
func (b *Backend) subtree(ctx context.Context, p string) ([]string, error) {
	prefix := childPrefix(p)
	var out []string
	after := ""
	for {
		keys, err := b.bucket.List(ctx, prefix, after, listPage)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k != prefix {
				out = append(out, k)
			}
		}
		if len(keys) < listPage {
			return out, nil
		}
		after = keys[len(keys)-1]
	}
}

// Rename copies the source record (and for directories every record
// below it) to the destination, then deletes the originals. Another
// client of the same bucket can observe both copies in between.
func (b *Backend) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	const op = "objstore.Backend.Rename"
	b.mu.Lock()
	defer b.mu.Unlock()

	sn, _, err := b.dirOf(ctx, srcDir)
	if err != nil {
		return err
	}
	dn, _, err := b.dirOf(ctx, dstDir)
	if err != nil {
		return err
	}
	if err := sandboxfs.ValidName(srcName); err != nil {
		return err
	}
	if err := sandboxfs.ValidName(dstName); err != nil {
		return err
	}
	from, to := path.Join(sn.path, srcName), path.Join(dn.path, dstName)

	src, err := b.load(ctx, from)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, srcName, err)
	}
	if from == to {
		return nil
	}
	if src.Type == sandboxfs.TypeDirectory && strings.HasPrefix(to, from+"/") {
		return sandboxfs.ErrInvalid
	}
	dst, err := b.load(ctx, to)
	switch {
	case err == nil:
		if flags&sandboxfs.RenameNoReplace != 0 {
			return sandboxfs.ErrAlreadyExists
		}
		if src.Type == sandboxfs.TypeDirectory && dst.Type != sandboxfs.TypeDirectory {
			return sandboxfs.ErrNotADirectory
		}
		if src.Type != sandboxfs.TypeDirectory && dst.Type == sandboxfs.TypeDirectory {
			return sandboxfs.ErrIsADirectory
		}
		if dst.Type == sandboxfs.TypeDirectory {
			children, err := b.children(ctx, to, "", 1)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if len(children) > 0 {
				return sandboxfs.ErrNotEmpty
			}
		}
	case sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound:
		dst = nil
	default:
		return fmt.Errorf("%s: %s: %w", op, dstName, err)
	}

	var below []string
	if src.Type == sandboxfs.TypeDirectory {
		if below, err = b.subtree(ctx, from); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	for _, k := range below {
		raw, err := b.bucket.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := b.bucket.Put(ctx, metaKey(to)+strings.TrimPrefix(k, metaKey(from)), raw); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	now := b.clock.Now()
	src.Ctime = now
	if err := b.store(ctx, to, src); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if dst != nil {
		b.dropPathLocked(ctx, to, dst)
	}
	for _, k := range append(below, metaKey(from)) {
		if err := b.bucket.Delete(ctx, k); err != nil {
			b.logger.Warn("failed to delete renamed record", "key", k, "error", err)
		}
	}
	b.movePathsLocked(from, to)

	// Reload the parents: they may be the same directory.
	for _, p := range uniq(sn.path, dn.path) {
		pr, err := b.load(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := b.touchDir(ctx, p, pr, now); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func uniq(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

// movePathsLocked rewrites handles at or below from to live under to.
func (b *Backend) movePathsLocked(from, to string) {
	moved := make(map[string]sandboxfs.Handle)
	for p, h := range b.byPath {
		switch {
		case p == from:
			moved[to] = h
		case strings.HasPrefix(p, from+"/"):
			moved[to+p[len(from):]] = h
		default:
			continue
		}
		delete(b.byPath, p)
	}
	for p, h := range moved {
		b.nodes[h].path = p
		b.byPath[p] = h
	}
}

type childEntry struct {
	name string
	key  string
}

// children lists up to max direct children of directory p that sort
// after the name after. max <= 0 lists all.
func (b *Backend) children(ctx context.Context, p, after string, max int) ([]childEntry, error) {
	prefix := childPrefix(p)
	cursor := ""
	if after != "" {
		cursor = prefix + after
	}
	var out []childEntry
	for {
		keys, err := b.bucket.List(ctx, prefix, cursor, listPage)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			name := k[len(prefix):]
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			out = append(out, childEntry{name: name, key: k})
			if max > 0 && len(out) == max {
				return out, nil
			}
		}
		if len(keys) < listPage {
			return out, nil
		}
		cursor = keys[len(keys)-1]
	}
}

func (b *Backend) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	const op = "objstore.Backend.ReadDir"
	b.mu.Lock()
	defer b.mu.Unlock()

	dn, _, err := b.dirOf(ctx, dir)
	if err != nil {
		return nil, err
	}
	children, err := b.children(ctx, dn.path, after, max)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]sandboxfs.DirEntry, 0, len(children))
	for _, c := range children {
		r, err := b.load(ctx, strings.TrimPrefix(c.key, metaPrefix))
		if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sandboxfs.DirEntry{Name: c.name, Type: r.Type, Ino: r.Ino})
	}
	return out, nil
}

func (b *Backend) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, r, err := b.recordOf(ctx, h)
	if err != nil {
		return err
	}
	if r.Type == sandboxfs.TypeDirectory && flags.Writable() {
		return sandboxfs.ErrIsADirectory
	}
	n.pins++
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
	if n.pins == 0 && n.orphan != nil {
		b.releaseChunks(ctx, n.orphan.Chunks)
		n.orphan = nil
	}
	return nil
}

func (b *Backend) fileOf(ctx context.Context, h sandboxfs.Handle) (*node, *record, error) {
	n, r, err := b.recordOf(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	switch r.Type {
	case sandboxfs.TypeRegular:
		return n, r, nil
	case sandboxfs.TypeDirectory:
		return nil, nil, sandboxfs.ErrIsADirectory
	default:
		return nil, nil, sandboxfs.ErrInvalid
	}
}

// chunk returns the stored bytes of chunk i, which may be shorter than
// the chunk size; missing bytes read as zeros.
func (b *Backend) chunk(ctx context.Context, r *record, i int) ([]byte, error) {
	if i >= len(r.Chunks) || r.Chunks[i] == "" {
		return nil, nil
	}
	blob, err := b.bucket.Get(ctx, r.Chunks[i])
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}
	data, err := b.sealer.open(blob)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w: %w", i, sandboxfs.ErrIO, err)
	}
	return data, nil
}

// putChunk stores data and returns its key, taking a reference. An
// all-zero chunk becomes a hole.
func (b *Backend) putChunk(ctx context.Context, data []byte) (string, error) {
	if isZero(data) {
		return "", nil
	}
	key := blobKey(data)
	if b.refs[key] == 0 {
		blob, err := b.sealer.seal(data)
		if err != nil {
			return "", err
		}
		if err := b.bucket.Put(ctx, key, blob); err != nil {
			return "", err
		}
	}
	b.refs[key]++
	return key, nil
}

func (b *Backend) releaseChunks(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, k := range keys {
		if k == "" {
			continue
		}
		b.refs[k]--
		if b.refs[k] > 0 {
			continue
		}
		delete(b.refs, k)
		if err := b.bucket.Delete(ctx, k); err != nil && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
			b.logger.Warn("failed to delete unreferenced blob", "key", k, "error", err)
		}
	}
}

func isZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}

func (b *Backend) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r, err := b.fileOf(ctx, h)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	if off >= r.Size {
		return 0, io.EOF
	}
	if rest := r.Size - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	cs := int64(b.chunkSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		i, within := int(pos/cs), pos%cs
		data, err := b.chunk(ctx, r, i)
		if err != nil {
			return n, fmt.Errorf("objstore.Backend.Read: %w", err)
		}
		want := min(int64(len(p)-n), cs-within)
		dst := p[n : n+int(want)]
		clear(dst)
		if within < int64(len(data)) {
			copy(dst, data[within:])
		}
		n += int(want)
	}
	return n, nil
}

func (b *Backend) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	const op = "objstore.Backend.Write"
	b.mu.Lock()
	defer b.mu.Unlock()
	n, r, err := b.fileOf(ctx, h)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	if len(p) == 0 {
		return 0, nil
	}

	cs := int64(b.chunkSize)
	end := off + int64(len(p))
	chunks := append([]string(nil), r.Chunks...)
	if need := int((end + cs - 1) / cs); len(chunks) < need {
		chunks = append(chunks, make([]string, need-len(chunks))...)
	}
	var added, replaced []string
	for pos := off; pos < end; {
		i, within := int(pos/cs), pos%cs
		data, err := b.chunk(ctx, r, i)
		if err != nil {
			b.releaseChunks(ctx, added)
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		span := min(end-pos, cs-within)
		if l := within + span; int64(len(data)) < l {
			data = append(data, make([]byte, l-int64(len(data)))...)
		}
		copy(data[within:], p[pos-off:pos-off+span])
		key, err := b.putChunk(ctx, data)
		if err != nil {
			b.releaseChunks(ctx, added)
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		added = append(added, key)
		replaced = append(replaced, chunks[i])
		chunks[i] = key
		pos += span
	}

	// The record changes only once every chunk is stored.
	updated := *r
	updated.Chunks = chunks
	if end > updated.Size {
		updated.Size = end
	}
	now := b.clock.Now()
	updated.Mtime, updated.Ctime = now, now
	if err := b.save(ctx, n, &updated); err != nil {
		b.releaseChunks(ctx, added)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	b.releaseChunks(ctx, replaced)
	return len(p), nil
}

func (b *Backend) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	const op = "objstore.Backend.Truncate"
	b.mu.Lock()
	defer b.mu.Unlock()
	n, r, err := b.fileOf(ctx, h)
	if err != nil {
		return err
	}
	if size < 0 {
		return sandboxfs.ErrInvalid
	}

	updated := *r
	var replaced []string
	if size < r.Size {
		cs := int64(b.chunkSize)
		keep := int((size + cs - 1) / cs)
		chunks := append([]string(nil), r.Chunks...)
		if keep < len(chunks) {
			replaced = append(replaced, chunks[keep:]...)
			chunks = chunks[:keep]
		}
		if tail := size % cs; tail != 0 && keep > 0 && keep <= len(chunks) {
			data, err := b.chunk(ctx, r, keep-1)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if int64(len(data)) > tail {
				key, err := b.putChunk(ctx, data[:tail])
				if err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				replaced = append(replaced, chunks[keep-1])
				chunks[keep-1] = key
			}
		}
		updated.Chunks = chunks
	}
	updated.Size = size
	now := b.clock.Now()
	updated.Mtime, updated.Ctime = now, now
	if err := b.save(ctx, n, &updated); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	b.releaseChunks(ctx, replaced)
	return nil
}

// Sync returns once earlier writes are stored, which they are when
// Write returns.
func (b *Backend) Sync(ctx context.Context, h sandboxfs.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, err := b.recordOf(ctx, h)
	return err
}

func (b *Backend) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r, err := b.recordOf(ctx, h)
	if err != nil {
		return nil, err
	}
	v, ok := r.Xattrs[name]
	if !ok {
		return nil, sandboxfs.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (b *Backend) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	if name == "" {
		return sandboxfs.ErrInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, r, err := b.recordOf(ctx, h)
	if err != nil {
		return err
	}
	if r.Xattrs == nil {
		r.Xattrs = make(map[string][]byte)
	}
	r.Xattrs[name] = bytes.Clone(value)
	r.Ctime = b.clock.Now()
	return b.save(ctx, n, r)
}

func (b *Backend) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r, err := b.recordOf(ctx, h)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.Xattrs))
	for k := range r.Xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, r, err := b.recordOf(ctx, h)
	if err != nil {
		return err
	}
	if _, ok := r.Xattrs[name]; !ok {
		return sandboxfs.ErrNotFound
	}
	delete(r.Xattrs, name)
	r.Ctime = b.clock.Now()
	return b.save(ctx, n, r)
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
