package sandboxfs

import (
	"context"
)

// Dirent is one entry returned by FdReaddir. Next is the cookie that
// resumes the listing after this entry.
type Dirent struct {
	Next uint64
	Ino  InodeID
	Name string
	Type FileType
}

// Cookies 1 and 2 resume after "." and ".."; later cookies are handed
// out per description and map back to the name they follow, so a
// listing survives concurrent inserts and removals without repeating
// or skipping entries that stay put.
const (
	cookieStart  uint64 = 0
	cookieDot    uint64 = 1
	cookieDotDot uint64 = 2
)

const defaultReaddirBatch = 128

type dirCursor struct {
	names map[uint64]string
	next  uint64
}

func newDirCursor() *dirCursor {
	return &dirCursor{names: make(map[uint64]string), next: cookieDotDot + 1}
}

// FdReaddir lists the directory behind fd starting after cookie. At
// most max entries are returned; fewer than max means the listing is
// complete. A cookie of zero restarts the listing.
func (v *VFS) FdReaddir(ctx context.Context, fd FD, cookie uint64, max int) ([]Dirent, error) {
	ctx, cancel := v.begin(ctx)
	defer cancel()

	d, err := v.descFor(fd)
	if err != nil {
		return nil, err
	}
	if d.typ != TypeDirectory {
		return nil, ErrNotADirectory
	}
	if d.flags&openPathOnly != 0 {
		return nil, ErrBadDescriptor
	}
	if max <= 0 {
		max = defaultReaddirBatch
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dir == nil || cookie == cookieStart {
		d.dir = newDirCursor()
	}
	dir := d.node()

	var out []Dirent
	after := ""
	switch cookie {
	case cookieStart:
		out = append(out, Dirent{Next: cookieDot, Ino: dir.id, Name: ".", Type: TypeDirectory})
		fallthrough
	case cookieDot:
		if len(out) < max {
			parent, err := v.parentOf(ctx, dir)
			if err != nil {
				return nil, err
			}
			out = append(out, Dirent{Next: cookieDotDot, Ino: parent.id, Name: "..", Type: TypeDirectory})
		}
	case cookieDotDot:
	default:
		name, ok := d.dir.names[cookie]
		if !ok {
			return nil, ErrInvalid
		}
		after = name
	}
	if len(out) >= max {
		return out, nil
	}

	bctx, bcancel := backendContext(ctx, dir.m)
	defer bcancel()

	// Entries removed between listing and lookup are dropped, so keep
	// reading until the batch is full or the backend runs out. A short
	// result must only ever mean the end of the directory.
	for len(out) < max {
		unlock := v.locks.rlock(dir.id)
		entries, err := dir.m.Backend.ReadDir(bctx, dir.h, after, max-len(out))
		unlock()
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			after = e.Name
			ino, typ, err := v.direntInode(bctx, dir, e)
			if err != nil {
				if ErrnoOf(err) == ErrNotFound {
					continue
				}
				return nil, err
			}
			next := d.dir.next
			d.dir.next++
			d.dir.names[next] = e.Name
			out = append(out, Dirent{Next: next, Ino: ino, Name: e.Name, Type: typ})
		}
	}
	return out, nil
}

// direntInode maps a backend entry to its VFS inode. Names covered by a
// mount report the mount's root.
func (v *VFS) direntInode(ctx context.Context, dir node, e DirEntry) (InodeID, FileType, error) {
	if m := v.mounts.Covering(dir.id, e.Name); m != nil {
		return m.root, TypeDirectory, nil
	}
	if id, negative, ok := v.dentries.Get(dir.id, e.Name); ok && !negative {
		if meta, ok := v.inodes.Lookup(id); ok {
			return id, meta.Type, nil
		}
	}
	if e.Handle != 0 {
		id, err := v.inodes.InternLazy(dir.m.ID, e.Handle, dir.m.Device, e.Type)
		return id, e.Type, err
	}
	n, err := v.lookupChild(ctx, dir, e.Name)
	if err != nil {
		return 0, TypeUnknown, err
	}
	return n.id, n.typ, nil
}
