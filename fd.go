package sandboxfs

import (
	"sort"
	"sync"
)

// FD is a descriptor number in the per-process descriptor table.
type FD int32

// AtCWD makes a *at operation resolve relative paths from the working
// directory.
const AtCWD FD = -100

// firstFD is the lowest number handed out; 0 through 2 belong to the
// host's standard streams.
const firstFD FD = 3

// fdTable maps descriptor numbers to descriptions. Several numbers may
// share one description after dup.
type fdTable struct {
	mu    sync.Mutex
	slots map[FD]DescriptionID
}

func newFDTable() *fdTable {
	return &fdTable{slots: make(map[FD]DescriptionID)}
}

// insert binds id to the lowest free number.
func (t *fdTable) insert(id DescriptionID) FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := firstFD
	for {
		if _, ok := t.slots[fd]; !ok {
			break
		}
		fd++
	}
	t.slots[fd] = id
	return fd
}

func (t *fdTable) get(fd FD) (DescriptionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.slots[fd]
	if !ok {
		return 0, ErrBadDescriptor
	}
	return id, nil
}

func (t *fdTable) remove(fd FD) (DescriptionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.slots[fd]
	if !ok {
		return 0, ErrBadDescriptor
	}
	delete(t.slots, fd)
	return id, nil
}

// replace binds to to the description of from and returns whatever was
// bound to to before.
func (t *fdTable) replace(from, to FD) (id, old DescriptionID, had bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.slots[from]
	if !ok {
		return 0, 0, false, ErrBadDescriptor
	}
	old, had = t.slots[to]
	t.slots[to] = id
	delete(t.slots, from)
	return id, old, had, nil
}

func (t *fdTable) all() []FD {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FD, 0, len(t.slots))
	for fd := range t.slots {
		out = append(out, fd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *fdTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// descFor returns the description behind fd.
func (v *VFS) descFor(fd FD) (*Description, error) {
	id, err := v.fds.get(fd)
	if err != nil {
		return nil, err
	}
	return v.descs.Get(id)
}
