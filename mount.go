package sandboxfs

import (
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MountOptions configure one mount.
type MountOptions struct {
	// ReadOnly rejects every mutation with ErrReadOnly.
	ReadOnly bool
	// EmulateCrossRename lets renames from another mount into this one
	// fall back to copy then delete for regular files and symlinks.
	// Without it such renames fail with ErrCrossDevice. Only the
	// destination's setting counts.
	EmulateCrossRename bool
	// RequireAtomicRename rejects renames with ErrNotSupported when the
	// backend only emulates them.
	RequireAtomicRename bool
	// ReadBytesPerSec and WriteBytesPerSec cap data throughput; zero
	// is unlimited.
	ReadBytesPerSec  int
	WriteBytesPerSec int
	// Timeout bounds backend calls made without a caller deadline.
	Timeout time.Duration
}

// Mount binds a path prefix to a backend.
type Mount struct {
	ID      MountID
	UUID    uuid.UUID
	Prefix  string
	Backend Backend
	Options MountOptions
	Caps    Capabilities
	Device  uint64

	root   InodeID
	parent *Mount
	// covers is the (directory, name) in the parent mount shadowed by
	// this mount's root.
	covers dentryKey
	// ancestors are the directories, across parent mounts, on the path
	// to the mount point. They cannot be renamed or removed while the
	// mount exists.
	ancestors map[InodeID]struct{}

	opens   atomic.Int64
	limiter *ioLimiter
}

// Root returns the inode of the mount's root directory.
func (m *Mount) Root() InodeID { return m.root }

// Open returns the number of open descriptions on the mount.
func (m *Mount) Open() int64 { return m.opens.Load() }

func (m *Mount) writable() error {
	if m.Options.ReadOnly || m.Caps.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// MountTable is the ordered set of mounts. Nested mounts shadow their
// ancestors; lookups by path choose the longest matching prefix.
type MountTable struct {
	mu       sync.RWMutex
	nextID   MountID
	byPrefix map[string]*Mount
	byID     map[MountID]*Mount
	ordered  []*Mount
	covered  map[dentryKey]*Mount
}

// NewMountTable returns an empty table.
func NewMountTable() *MountTable {
	return &MountTable{
		nextID:   1,
		byPrefix: make(map[string]*Mount),
		byID:     make(map[MountID]*Mount),
		covered:  make(map[dentryKey]*Mount),
	}
}

// CleanPrefix normalizes a mount prefix to an absolute slash path.
func CleanPrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return path.Clean("/" + prefix)
}

// Mount adds m. It fails with ErrAlreadyMounted when the prefix is
// taken.
func (t *MountTable) Mount(m *Mount) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m.Prefix = CleanPrefix(m.Prefix)
	if _, ok := t.byPrefix[m.Prefix]; ok {
		return ErrAlreadyMounted
	}
	if m.parent != nil {
		if _, ok := t.covered[m.covers]; ok {
			return ErrAlreadyMounted
		}
	}
	if m.ID == 0 {
		m.ID = t.nextID
		t.nextID++
	}
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.Device == 0 {
		m.Device = uint64(m.ID)
	}

	t.byPrefix[m.Prefix] = m
	t.byID[m.ID] = m
	if m.parent != nil {
		t.covered[m.covers] = m
	}
	t.ordered = append(t.ordered, m)
	sort.SliceStable(t.ordered, func(i, j int) bool {
		return len(t.ordered[i].Prefix) > len(t.ordered[j].Prefix)
	})
	return nil
}

// reserveID hands out a mount id ahead of Mount so the root inode can be
// interned before the mount becomes visible.
func (t *MountTable) reserveID() MountID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Lookup returns the mount at exactly prefix.
func (t *MountTable) Lookup(prefix string) *Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPrefix[CleanPrefix(prefix)]
}

// Unmount removes the mount at prefix. It fails with ErrBusy while any
// open description references the mount or another mount is nested
// beneath it, and with ErrNotFound when nothing is mounted there.
func (t *MountTable) Unmount(prefix string) (*Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix = CleanPrefix(prefix)
	m, ok := t.byPrefix[prefix]
	if !ok {
		return nil, ErrNotFound
	}
	if m.opens.Load() > 0 {
		return nil, ErrBusy
	}
	for _, other := range t.ordered {
		if other.parent == m {
			return nil, ErrBusy
		}
	}

	delete(t.byPrefix, prefix)
	delete(t.byID, m.ID)
	if m.parent != nil {
		delete(t.covered, m.covers)
	}
	for i, other := range t.ordered {
		if other == m {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			break
		}
	}
	return m, nil
}

// ResolveMountFor returns the mount governing p and p relative to the
// mount's root. The relative path has no leading slash and is "." for
// the root itself.
func (t *MountTable) ResolveMountFor(p string) (*Mount, string) {
	p = CleanPrefix(p)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.ordered {
		if m.Prefix == "/" {
			return m, relPath(strings.TrimPrefix(p, "/"))
		}
		if p == m.Prefix {
			return m, "."
		}
		if strings.HasPrefix(p, m.Prefix+"/") {
			return m, p[len(m.Prefix)+1:]
		}
	}
	return nil, ""
}

func relPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}

// Covering returns the mount whose root shadows (dir, name), if any.
func (t *MountTable) Covering(dir InodeID, name string) *Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.covered[dentryKey{dir, name}]
}

// Get returns the mount with the given id.
func (t *MountTable) Get(id MountID) *Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Root returns the mount at "/".
func (t *MountTable) Root() *Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPrefix["/"]
}

// Mounts returns the mounts ordered by prefix.
func (t *MountTable) Mounts() []*Mount {
	t.mu.RLock()
	out := append([]*Mount(nil), t.ordered...)
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Pinned reports whether id is a mount point or an ancestor of one.
func (t *MountTable) Pinned(id InodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.ordered {
		if _, ok := m.ancestors[id]; ok {
			return true
		}
	}
	return false
}
