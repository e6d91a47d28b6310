package sandboxfs

import (
	"context"
	"io"
	"sync"

	"github.com/absfs/sandboxfs/internal/clock"
)

// DescriptionID identifies an open file description.
type DescriptionID uint64

// Description is an open file description: an opened node plus the
// offset and flags that every descriptor duplicated from it shares.
type Description struct {
	id     DescriptionID
	ino    InodeID
	mount  *Mount
	handle Handle
	typ    FileType
	flags  OpenFlags
	path   string

	// mu serializes cursor I/O so reads and writes through shared
	// descriptors never observe a torn offset.
	mu     sync.Mutex
	offset int64
	dir    *dirCursor

	refs int // guarded by DescriptionTable.mu
}

// ID returns the description's identifier.
func (d *Description) ID() DescriptionID { return d.id }

// Inode returns the opened node.
func (d *Description) Inode() InodeID { return d.ino }

// Flags returns the flags the description was opened with.
func (d *Description) Flags() OpenFlags { return d.flags }

// Path returns the path the description was opened by.
func (d *Description) Path() string { return d.path }

// Type returns the type of the opened node.
func (d *Description) Type() FileType { return d.typ }

func (d *Description) node() node {
	return node{id: d.ino, m: d.mount, h: d.handle, typ: d.typ}
}

// DescriptionTable tracks open file descriptions. Closing the last
// reference releases the backend handle and may reclaim an unlinked
// inode.
type DescriptionTable struct {
	mu     sync.Mutex
	next   DescriptionID
	descs  map[DescriptionID]*Description
	inodes *InodeTable
	mounts *MountTable
	clock  clock.Clock
}

// NewDescriptionTable returns an empty table.
func NewDescriptionTable(inodes *InodeTable, mounts *MountTable, clk clock.Clock) *DescriptionTable {
	if clk == nil {
		clk = clock.Real()
	}
	return &DescriptionTable{
		next:   1,
		descs:  make(map[DescriptionID]*Description),
		inodes: inodes,
		mounts: mounts,
		clock:  clk,
	}
}

// Open opens ino with flags and returns a description with one
// reference.
func (t *DescriptionTable) Open(ctx context.Context, ino InodeID, flags OpenFlags, path string) (*Description, error) {
	meta, ok := t.inodes.Lookup(ino)
	if !ok {
		return nil, ErrStaleInode
	}
	m := t.mounts.Get(meta.Mount)
	if m == nil {
		return nil, ErrStaleInode
	}

	// Count the open before checking the mount is still attached, so a
	// concurrent Unmount either sees it and fails with ErrBusy or has
	// already detached the mount and this open fails.
	m.opens.Add(1)
	if t.mounts.Get(meta.Mount) != m {
		m.opens.Add(-1)
		return nil, ErrStaleInode
	}

	if flags&openPathOnly == 0 {
		bctx, cancel := backendContext(ctx, m)
		err := m.Backend.Open(bctx, meta.Handle, flags)
		cancel()
		if err != nil {
			m.opens.Add(-1)
			return nil, err
		}
	}
	if err := t.inodes.Acquire(ino); err != nil {
		if flags&openPathOnly == 0 {
			m.Backend.Release(context.WithoutCancel(ctx), meta.Handle)
		}
		m.opens.Add(-1)
		return nil, err
	}

	d := &Description{
		ino:    ino,
		mount:  m,
		handle: meta.Handle,
		typ:    meta.Type,
		flags:  flags,
		path:   path,
		refs:   1,
	}

	t.mu.Lock()
	d.id = t.next
	t.next++
	t.descs[d.id] = d
	t.mu.Unlock()
	return d, nil
}

// Get returns the description with id.
func (t *DescriptionTable) Get(id DescriptionID) (*Description, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[id]
	if !ok {
		return nil, ErrBadDescriptor
	}
	return d, nil
}

// Dup adds a reference to id. Both references share offset and flags.
func (t *DescriptionTable) Dup(id DescriptionID) (*Description, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[id]
	if !ok {
		return nil, ErrBadDescriptor
	}
	d.refs++
	return d, nil
}

// Close drops one reference to id. The last reference releases the
// backend handle and the inode's open count.
func (t *DescriptionTable) Close(ctx context.Context, id DescriptionID) error {
	t.mu.Lock()
	d, ok := t.descs[id]
	if !ok {
		t.mu.Unlock()
		return ErrBadDescriptor
	}
	d.refs--
	last := d.refs == 0
	if last {
		delete(t.descs, id)
	}
	t.mu.Unlock()

	if !last {
		return nil
	}

	var err error
	if d.flags&openPathOnly == 0 {
		// Release must run even when the caller's context is done.
		err = d.mount.Backend.Release(context.WithoutCancel(ctx), d.handle)
	}
	d.mount.opens.Add(-1)
	if _, rerr := t.inodes.Release(d.ino); rerr != nil && err == nil && rerr != ErrStaleInode {
		err = rerr
	}
	return err
}

// Len returns the number of open descriptions.
func (t *DescriptionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.descs)
}

// Seek moves the offset of id and returns the new offset.
func (t *DescriptionTable) Seek(ctx context.Context, id DescriptionID, offset int64, whence int) (int64, error) {
	d, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if d.flags&openPathOnly != 0 {
		return 0, ErrBadDescriptor
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = d.offset
	case io.SeekEnd:
		attr, err := d.mount.Backend.Getattr(ctx, d.handle)
		if err != nil {
			return 0, err
		}
		base = attr.Size
	default:
		return 0, ErrInvalid
	}
	next := base + offset
	if next < 0 {
		return 0, ErrInvalid
	}
	if d.typ == TypeDirectory {
		if next != 0 {
			return 0, ErrInvalid
		}
		d.dir = nil
	}
	d.offset = next
	return next, nil
}

// Tell returns the current offset of id.
func (t *DescriptionTable) Tell(id DescriptionID) (int64, error) {
	d, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset, nil
}

// ReadAtCursor reads from the current offset of id and advances it.
func (t *DescriptionTable) ReadAtCursor(ctx context.Context, id DescriptionID, p []byte) (int, error) {
	d, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := t.readAt(ctx, d, p, d.offset)
	d.offset += int64(n)
	return n, err
}

// ReadAt reads at off without moving the offset of id.
func (t *DescriptionTable) ReadAt(ctx context.Context, id DescriptionID, p []byte, off int64) (int, error) {
	d, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, ErrInvalid
	}
	return t.readAt(ctx, d, p, off)
}

func (t *DescriptionTable) readAt(ctx context.Context, d *Description, p []byte, off int64) (int, error) {
	switch {
	case d.typ == TypeDirectory:
		return 0, ErrIsADirectory
	case !d.flags.Readable() || d.flags&openPathOnly != 0:
		return 0, ErrBadDescriptor
	case len(p) == 0:
		return 0, nil
	}
	if err := d.mount.limiter.waitRead(ctx, len(p)); err != nil {
		return 0, err
	}
	ctx, cancel := backendContext(ctx, d.mount)
	defer cancel()

	n, err := d.mount.Backend.Read(ctx, d.handle, p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAtCursor writes at the current offset of id, or at the end of
// the file for append descriptions, and advances the offset.
func (t *DescriptionTable) WriteAtCursor(ctx context.Context, id DescriptionID, p []byte) (int, error) {
	d, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n, end, err := t.writeAt(ctx, d, p, d.offset, d.flags&OpenAppend != 0)
	if n > 0 {
		d.offset = end
	}
	return n, err
}

// WriteAt writes at off without moving the offset of id.
func (t *DescriptionTable) WriteAt(ctx context.Context, id DescriptionID, p []byte, off int64) (int, error) {
	d, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, ErrInvalid
	}
	n, _, err := t.writeAt(ctx, d, p, off, false)
	return n, err
}

func (t *DescriptionTable) writeAt(ctx context.Context, d *Description, p []byte, off int64, appending bool) (int, int64, error) {
	switch {
	case d.typ == TypeDirectory:
		return 0, off, ErrIsADirectory
	case !d.flags.Writable() || d.flags&openPathOnly != 0:
		return 0, off, ErrBadDescriptor
	}
	if err := d.mount.writable(); err != nil {
		return 0, off, err
	}
	if len(p) == 0 {
		return 0, off, nil
	}
	if err := d.mount.limiter.waitWrite(ctx, len(p)); err != nil {
		return 0, off, err
	}
	ctx, cancel := backendContext(ctx, d.mount)
	defer cancel()

	// Size-changing writes to one inode are serialized so an append
	// always lands at the size it observed.
	unlock, err := t.inodes.LockData(d.ino)
	if err != nil {
		return 0, off, err
	}
	defer unlock()

	if appending {
		attr, err := d.mount.Backend.Getattr(ctx, d.handle)
		if err != nil {
			return 0, off, err
		}
		off = attr.Size
	}

	n, err := d.mount.Backend.Write(ctx, d.handle, p, off)
	if n > 0 {
		end := off + int64(n)
		now := t.clock.Now()
		t.inodes.UpdateMetadata(d.ino, func(m *InodeMetadata) error {
			if end > m.Size {
				m.Size = end
			}
			m.Mtime, m.Ctime = now, now
			return nil
		})
		return n, end, err
	}
	return n, off, err
}

// Truncate sets the size of the file behind id.
func (t *DescriptionTable) Truncate(ctx context.Context, id DescriptionID, size int64) error {
	d, err := t.Get(id)
	if err != nil {
		return err
	}
	switch {
	case size < 0:
		return ErrInvalid
	case d.typ == TypeDirectory:
		return ErrIsADirectory
	case !d.flags.Writable() || d.flags&openPathOnly != 0:
		return ErrBadDescriptor
	}
	if err := d.mount.writable(); err != nil {
		return err
	}
	unlock, err := t.inodes.LockData(d.ino)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, cancel := backendContext(ctx, d.mount)
	defer cancel()
	if err := d.mount.Backend.Truncate(ctx, d.handle, size); err != nil {
		return err
	}
	now := t.clock.Now()
	return t.inodes.UpdateMetadata(d.ino, func(m *InodeMetadata) error {
		m.Size = size
		m.Mtime, m.Ctime = now, now
		return nil
	})
}
