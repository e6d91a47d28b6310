package sandboxfs

import (
	"io/fs"
	"sync"
	"time"
)

// InodeID is the VFS-wide identity of a node. It is allocated the
// first time a (mount, handle) pair is seen and never changes across
// rename.
type InodeID uint64

// MountID identifies a mount within one VFS.
type MountID uint32

// InodeMetadata is a snapshot of an Inode Table entry.
type InodeMetadata struct {
	ID     InodeID
	Type   FileType
	Mode   fs.FileMode
	Uid    uint32
	Gid    uint32
	Size   int64
	Nlink  uint32
	Rdev   uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Mount  MountID
	Handle Handle
	Device uint64
	// Parent and Name are the back-reference of a directory. They are
	// a lookup key, not ownership, and are zero for other node types
	// and for mount roots.
	Parent InodeID
	Name   string
	// Opens is the number of open descriptions referencing the node.
	Opens int
}

type inodeRef struct {
	mount  MountID
	handle Handle
}

type inodeEntry struct {
	mu     sync.Mutex
	meta   InodeMetadata
	loaded bool
	// data serializes appends and size changes.
	data sync.Mutex
}

// InodeTable owns inode identity and lifetime. An entry is reclaimed
// once its link count and open count are both zero.
type InodeTable struct {
	mu      sync.RWMutex
	next    InodeID
	max     int
	byID    map[InodeID]*inodeEntry
	byRef   map[inodeRef]InodeID
	reclaim func(InodeMetadata)
}

// NewInodeTable returns an empty table. max bounds the number of live
// entries; zero means unbounded. reclaim, if non-nil, runs after an
// entry is removed, outside the table locks.
func NewInodeTable(max int, reclaim func(InodeMetadata)) *InodeTable {
	return &InodeTable{
		next:    1,
		max:     max,
		byID:    make(map[InodeID]*inodeEntry),
		byRef:   make(map[inodeRef]InodeID),
		reclaim: reclaim,
	}
}

// Allocate reserves a new identity for the node (mount, h). It fails
// with ErrNoSpace when the table is full and ErrAlreadyExists when the
// node already has an identity.
func (t *InodeTable) Allocate(typ FileType, mount MountID, h Handle) (InodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref := inodeRef{mount, h}
	if _, ok := t.byRef[ref]; ok {
		return 0, ErrAlreadyExists
	}
	return t.allocateLocked(ref, typ)
}

func (t *InodeTable) allocateLocked(ref inodeRef, typ FileType) (InodeID, error) {
	if t.max > 0 && len(t.byID) >= t.max {
		return 0, ErrNoSpace
	}
	id := t.next
	t.next++
	t.byID[id] = &inodeEntry{meta: InodeMetadata{ID: id, Type: typ, Mount: ref.mount, Handle: ref.handle}}
	t.byRef[ref] = id
	return id, nil
}

// Intern returns the identity of (mount, h), allocating one if needed,
// and refreshes its metadata from attr.
func (t *InodeTable) Intern(mount MountID, h Handle, device uint64, attr Attr) (InodeID, error) {
	ref := inodeRef{mount, h}

	t.mu.RLock()
	id, ok := t.byRef[ref]
	e := t.byID[id]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if id, ok = t.byRef[ref]; !ok {
			var err error
			if id, err = t.allocateLocked(ref, attr.Type); err != nil {
				t.mu.Unlock()
				return 0, err
			}
		}
		e = t.byID[id]
		t.mu.Unlock()
	}

	e.mu.Lock()
	e.meta.Device = device
	e.refreshLocked(attr)
	e.mu.Unlock()
	return id, nil
}

// InternLazy is Intern for callers that only know the node's type, such
// as directory listings. Existing entries are left untouched.
func (t *InodeTable) InternLazy(mount MountID, h Handle, device uint64, typ FileType) (InodeID, error) {
	ref := inodeRef{mount, h}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byRef[ref]; ok {
		return id, nil
	}
	id, err := t.allocateLocked(ref, typ)
	if err != nil {
		return 0, err
	}
	t.byID[id].meta.Device = device
	return id, nil
}

func (e *inodeEntry) refreshLocked(attr Attr) {
	e.meta.Type = attr.Type
	e.meta.Mode = attr.Mode & PermMask
	e.meta.Uid = attr.Uid
	e.meta.Gid = attr.Gid
	e.meta.Size = attr.Size
	e.meta.Nlink = attr.Nlink
	e.meta.Rdev = attr.Rdev
	e.meta.Atime = attr.Atime
	e.meta.Mtime = attr.Mtime
	e.meta.Ctime = attr.Ctime
	e.loaded = true
}

// Refresh replaces the cached metadata of id with attr.
func (t *InodeTable) Refresh(id InodeID, attr Attr) error {
	e := t.entry(id)
	if e == nil {
		return ErrStaleInode
	}
	e.mu.Lock()
	e.refreshLocked(attr)
	e.mu.Unlock()
	return nil
}

func (t *InodeTable) entry(id InodeID) *inodeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Lookup returns a snapshot of id. It never blocks on backend I/O and
// reports false once the entry is reclaimed.
func (t *InodeTable) Lookup(id InodeID) (InodeMetadata, bool) {
	e := t.entry(id)
	if e == nil {
		return InodeMetadata{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta, true
}

// Link records one more directory entry referencing id.
func (t *InodeTable) Link(id InodeID) error {
	e := t.entry(id)
	if e == nil {
		return ErrStaleInode
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta.Nlink++
	return nil
}

// Unlink records the removal of one directory entry referencing id.
// Directories have a single name, so unlinking one drops its count to
// zero. The entry is reclaimed when no open description remains.
func (t *InodeTable) Unlink(id InodeID) error {
	e := t.entry(id)
	if e == nil {
		return ErrStaleInode
	}
	e.mu.Lock()
	if e.meta.Type == TypeDirectory || e.meta.Nlink <= 1 {
		e.meta.Nlink = 0
	} else {
		e.meta.Nlink--
	}
	dead := e.meta.Nlink == 0 && e.meta.Opens == 0
	e.mu.Unlock()

	if dead {
		t.remove(id)
	}
	return nil
}

// UpdateMetadata applies mutate to a copy of the entry and commits the
// copy only if mutate returns nil.
func (t *InodeTable) UpdateMetadata(id InodeID, mutate func(*InodeMetadata) error) error {
	e := t.entry(id)
	if e == nil {
		return ErrStaleInode
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.meta
	if err := mutate(&next); err != nil {
		return err
	}
	next.ID, next.Mount, next.Handle = e.meta.ID, e.meta.Mount, e.meta.Handle
	e.meta = next
	return nil
}

// SetParent records the back-reference of a directory.
func (t *InodeTable) SetParent(id, parent InodeID, name string) {
	e := t.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.meta.Parent = parent
	e.meta.Name = name
	e.mu.Unlock()
}

// Acquire records an open description referencing id.
func (t *InodeTable) Acquire(id InodeID) error {
	e := t.entry(id)
	if e == nil {
		return ErrStaleInode
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta.Opens++
	return nil
}

// Release drops an open description reference and reclaims the entry
// when it was the last reference to an unlinked node. It reports
// whether the entry was reclaimed.
func (t *InodeTable) Release(id InodeID) (bool, error) {
	e := t.entry(id)
	if e == nil {
		return false, ErrStaleInode
	}
	e.mu.Lock()
	if e.meta.Opens > 0 {
		e.meta.Opens--
	}
	dead := e.meta.Opens == 0 && e.meta.Nlink == 0 && e.loaded
	e.mu.Unlock()

	if dead {
		t.remove(id)
	}
	return dead, nil
}

// LockData serializes size-changing writes to id.
func (t *InodeTable) LockData(id InodeID) (unlock func(), err error) {
	e := t.entry(id)
	if e == nil {
		return nil, ErrStaleInode
	}
	e.data.Lock()
	return e.data.Unlock, nil
}

func (t *InodeTable) remove(id InodeID) {
	t.mu.Lock()
	e, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byRef, inodeRef{e.meta.Mount, e.meta.Handle})
	}
	t.mu.Unlock()

	if ok && t.reclaim != nil {
		e.mu.Lock()
		meta := e.meta
		e.mu.Unlock()
		t.reclaim(meta)
	}
}

// Forget drops id without running the reclaim hook.
func (t *InodeTable) Forget(id InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		delete(t.byID, id)
		delete(t.byRef, inodeRef{e.meta.Mount, e.meta.Handle})
	}
}

// DropMount removes every entry belonging to mount and returns their
// last metadata. The reclaim hook does not run.
func (t *InodeTable) DropMount(mount MountID) []InodeMetadata {
	t.mu.Lock()
	var dropped []*inodeEntry
	for ref, id := range t.byRef {
		if ref.mount != mount {
			continue
		}
		dropped = append(dropped, t.byID[id])
		delete(t.byRef, ref)
		delete(t.byID, id)
	}
	t.mu.Unlock()

	out := make([]InodeMetadata, 0, len(dropped))
	for _, e := range dropped {
		e.mu.Lock()
		out = append(out, e.meta)
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of live entries.
func (t *InodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
