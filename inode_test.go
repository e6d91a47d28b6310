package sandboxfs

import (
	"errors"
	"sync"
	"testing"
)

func TestInodeAllocateAndLookup(t *testing.T) {
	tbl := NewInodeTable(0, nil)

	id, err := tbl.Allocate(TypeRegular, 1, 42)
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	meta, ok := tbl.Lookup(id)
	if !ok {
		t.Fatalf("lookup of fresh inode failed")
	}
	if meta.Type != TypeRegular || meta.Mount != 1 || meta.Handle != 42 {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if _, err := tbl.Allocate(TypeRegular, 1, 42); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for duplicate ref, got %v", err)
	}
	if _, ok := tbl.Lookup(id + 100); ok {
		t.Errorf("lookup of unknown id succeeded")
	}
}

func TestInodeInternIsStable(t *testing.T) {
	tbl := NewInodeTable(0, nil)
	a, err := tbl.Intern(1, 7, 1, Attr{Type: TypeRegular, Nlink: 1, Size: 3})
	if err != nil {
		t.Fatalf("failed to intern: %v", err)
	}
	b, err := tbl.Intern(1, 7, 1, Attr{Type: TypeRegular, Nlink: 1, Size: 9})
	if err != nil {
		t.Fatalf("failed to intern again: %v", err)
	}
	if a != b {
		t.Fatalf("same handle interned to %d and %d", a, b)
	}
	meta, _ := tbl.Lookup(a)
	if meta.Size != 9 {
		t.Errorf("expected refreshed size 9, got %d", meta.Size)
	}
	other, _ := tbl.Intern(2, 7, 2, Attr{Type: TypeRegular, Nlink: 1})
	if other == a {
		t.Errorf("same handle on different mounts must get distinct ids")
	}
}

func TestInodeUnlinkOnLastClose(t *testing.T) {
	var reclaimed []InodeID
	tbl := NewInodeTable(0, func(m InodeMetadata) { reclaimed = append(reclaimed, m.ID) })

	id, _ := tbl.Intern(1, 5, 1, Attr{Type: TypeRegular, Nlink: 1})
	if err := tbl.Link(id); err != nil {
		t.Fatalf("failed to link: %v", err)
	}
	if err := tbl.Acquire(id); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	tbl.Unlink(id)
	tbl.Unlink(id)
	meta, ok := tbl.Lookup(id)
	if !ok {
		t.Fatalf("inode reclaimed while open")
	}
	if meta.Nlink != 0 || meta.Opens != 1 {
		t.Errorf("expected nlink 0 opens 1, got %d %d", meta.Nlink, meta.Opens)
	}

	dead, err := tbl.Release(id)
	if err != nil || !dead {
		t.Fatalf("expected reclaim on last release, got %v, %v", dead, err)
	}
	if _, ok := tbl.Lookup(id); ok {
		t.Errorf("inode still present after reclaim")
	}
	if len(reclaimed) != 1 || reclaimed[0] != id {
		t.Errorf("reclaim hook saw %v", reclaimed)
	}
	if err := tbl.Link(id); !errors.Is(err, ErrStaleInode) {
		t.Errorf("expected ErrStaleInode after reclaim, got %v", err)
	}
}

func TestInodeUnlinkDirectoryDropsToZero(t *testing.T) {
	tbl := NewInodeTable(0, nil)
	id, _ := tbl.Intern(1, 3, 1, Attr{Type: TypeDirectory, Nlink: 4})
	tbl.Unlink(id)
	if _, ok := tbl.Lookup(id); ok {
		t.Errorf("unlinked directory with no opens should be reclaimed")
	}
}

func TestInodeUpdateMetadataIsAllOrNothing(t *testing.T) {
	tbl := NewInodeTable(0, nil)
	id, _ := tbl.Intern(1, 1, 1, Attr{Type: TypeRegular, Mode: 0o644, Uid: 1})

	boom := errors.New("boom")
	err := tbl.UpdateMetadata(id, func(m *InodeMetadata) error {
		m.Mode = 0o600
		m.Uid = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	meta, _ := tbl.Lookup(id)
	if meta.Mode != 0o644 || meta.Uid != 1 {
		t.Errorf("failed mutation leaked: %+v", meta)
	}

	err = tbl.UpdateMetadata(id, func(m *InodeMetadata) error {
		m.Mode = 0o600
		m.ID = 12345
		return nil
	})
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	meta, _ = tbl.Lookup(id)
	if meta.Mode != 0o600 || meta.ID != id {
		t.Errorf("unexpected metadata after update: %+v", meta)
	}
}

func TestInodeTableBound(t *testing.T) {
	tbl := NewInodeTable(2, nil)
	if _, err := tbl.Allocate(TypeRegular, 1, 1); err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if _, err := tbl.Allocate(TypeRegular, 1, 2); err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if _, err := tbl.Allocate(TypeRegular, 1, 3); !errors.Is(err, ErrNoSpace) {
		t.Errorf("expected ErrNoSpace, got %v", err)
	}
}

func TestInodeDropMount(t *testing.T) {
	reclaims := 0
	tbl := NewInodeTable(0, func(InodeMetadata) { reclaims++ })
	tbl.Intern(1, 1, 1, Attr{Type: TypeDirectory, Nlink: 2})
	tbl.Intern(1, 2, 1, Attr{Type: TypeRegular, Nlink: 1})
	keep, _ := tbl.Intern(2, 1, 2, Attr{Type: TypeDirectory, Nlink: 2})

	dropped := tbl.DropMount(1)
	if len(dropped) != 2 {
		t.Errorf("expected 2 dropped entries, got %d", len(dropped))
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", tbl.Len())
	}
	if _, ok := tbl.Lookup(keep); !ok {
		t.Errorf("entry of other mount was dropped")
	}
	if reclaims != 0 {
		t.Errorf("DropMount must not run the reclaim hook")
	}
}

func TestInodeConcurrentIntern(t *testing.T) {
	tbl := NewInodeTable(0, nil)
	ids := make([]InodeID, 32)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = tbl.Intern(1, 99, 1, Attr{Type: TypeRegular, Nlink: 1})
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent interns produced %d and %d", ids[0], id)
		}
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tbl.Len())
	}
}
