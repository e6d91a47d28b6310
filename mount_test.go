package sandboxfs

import (
	"errors"
	"testing"
)

func TestResolveMountForLongestPrefix(t *testing.T) {
	tbl := NewMountTable()
	root := &Mount{Prefix: "/"}
	data := &Mount{Prefix: "/data", parent: root, covers: dentryKey{1, "data"}}
	deep := &Mount{Prefix: "/data/deep", parent: data, covers: dentryKey{2, "deep"}}
	for _, m := range []*Mount{root, data, deep} {
		if err := tbl.Mount(m); err != nil {
			t.Fatalf("failed to mount %s: %v", m.Prefix, err)
		}
	}

	tests := []struct {
		path string
		want *Mount
		rel  string
	}{
		{"/", root, "."},
		{"/etc/passwd", root, "etc/passwd"},
		{"/data", data, "."},
		{"/data/x", data, "x"},
		{"/database", root, "database"},
		{"/data/deep/y", deep, "y"},
		{"data//deep/../x", data, "x"},
	}
	for _, tt := range tests {
		m, rel := tbl.ResolveMountFor(tt.path)
		if m != tt.want || rel != tt.rel {
			t.Errorf("%s: got (%s, %q), want (%s, %q)", tt.path, m.Prefix, rel, tt.want.Prefix, tt.rel)
		}
	}

	if got := tbl.Covering(2, "deep"); got != deep {
		t.Errorf("covering lookup failed")
	}
	if ids := []MountID{root.ID, data.ID, deep.ID}; ids[0] == ids[1] || ids[1] == ids[2] {
		t.Errorf("mount ids not unique: %v", ids)
	}
}

func TestMountTableConflicts(t *testing.T) {
	tbl := NewMountTable()
	root := &Mount{Prefix: "/"}
	if err := tbl.Mount(root); err != nil {
		t.Fatalf("failed to mount root: %v", err)
	}
	if err := tbl.Mount(&Mount{Prefix: "/"}); !errors.Is(err, ErrAlreadyMounted) {
		t.Errorf("expected ErrAlreadyMounted, got %v", err)
	}

	child := &Mount{Prefix: "/a", parent: root, covers: dentryKey{1, "a"}}
	if err := tbl.Mount(child); err != nil {
		t.Fatalf("failed to mount /a: %v", err)
	}
	if _, err := tbl.Unmount("/"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy unmounting parent, got %v", err)
	}

	child.opens.Add(1)
	if _, err := tbl.Unmount("/a"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy with open descriptions, got %v", err)
	}
	child.opens.Add(-1)
	if _, err := tbl.Unmount("/a"); err != nil {
		t.Errorf("failed to unmount: %v", err)
	}
	if _, err := tbl.Unmount("/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if tbl.Covering(1, "a") != nil {
		t.Errorf("covering entry survived unmount")
	}
}

func TestMountPinnedAncestors(t *testing.T) {
	tbl := NewMountTable()
	root := &Mount{Prefix: "/"}
	tbl.Mount(root)
	tbl.Mount(&Mount{
		Prefix:    "/x/y",
		parent:    root,
		covers:    dentryKey{5, "y"},
		ancestors: map[InodeID]struct{}{5: {}, 1: {}},
	})
	if !tbl.Pinned(5) || !tbl.Pinned(1) {
		t.Errorf("ancestors of a mount point should be pinned")
	}
	if tbl.Pinned(6) {
		t.Errorf("unrelated inode pinned")
	}
}

func TestMountWritable(t *testing.T) {
	m := &Mount{Options: MountOptions{ReadOnly: true}}
	if !errors.Is(m.writable(), ErrReadOnly) {
		t.Errorf("read-only option ignored")
	}
	m = &Mount{Caps: Capabilities{ReadOnly: true}}
	if !errors.Is(m.writable(), ErrReadOnly) {
		t.Errorf("read-only capability ignored")
	}
}
