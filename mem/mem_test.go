package mem

import (
	"context"
	"testing"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/backendtest"
	"github.com/absfs/sandboxfs/internal/clock"
)

func TestConformance(t *testing.T) {
	suite := &backendtest.Suite{
		New: func(t *testing.T) sandboxfs.Backend { return New() },
		Features: backendtest.Features{
			OpenUnlinked: true,
			Timestamps:   true,
			DirGen:       true,
		},
	}
	suite.Run(t)
}

func TestRootIsOwnParent(t *testing.T) {
	b := New()
	h, err := b.Lookup(context.Background(), b.Root(), "..")
	if err != nil {
		t.Fatalf("failed to lookup ..: %v", err)
	}
	if h != b.Root() {
		t.Errorf("expected root to be its own parent")
	}
	if err := b.Rmdir(context.Background(), b.Root(), ".."); err == nil {
		t.Errorf("expected error removing ..")
	}
}

func TestReclaimWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	b := New()

	h, err := b.Create(ctx, b.Root(), "f", sandboxfs.NodeSpec{Mode: 0o644})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := b.Open(ctx, h, sandboxfs.OpenRead); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	before := b.Len()
	if err := b.Unlink(ctx, b.Root(), "f"); err != nil {
		t.Fatalf("failed to unlink: %v", err)
	}
	if b.Len() != before {
		t.Fatalf("node reclaimed while pinned")
	}
	if err := b.Release(ctx, h); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if b.Len() != before-1 {
		t.Errorf("expected node reclaimed after release, have %d nodes", b.Len())
	}
	if _, err := b.Getattr(ctx, h); sandboxfs.ErrnoOf(err) != sandboxfs.ErrStaleInode {
		t.Errorf("expected StaleInode for reclaimed handle, got %v", err)
	}
}

func TestTimestampsFollowClock(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	b := New(WithClock(clk))

	h, err := b.Create(ctx, b.Root(), "f", sandboxfs.NodeSpec{Mode: 0o644})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := b.Write(ctx, h, []byte("x"), 0); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	attr, err := b.Getattr(ctx, h)
	if err != nil {
		t.Fatalf("failed to getattr: %v", err)
	}
	if !attr.Atime.Equal(start) {
		t.Errorf("expected atime %v, got %v", start, attr.Atime)
	}
	if want := start.Add(time.Minute); !attr.Mtime.Equal(want) {
		t.Errorf("expected mtime %v, got %v", want, attr.Mtime)
	}
}

func TestDirectoryLinkCounts(t *testing.T) {
	ctx := context.Background()
	b := New()
	spec := sandboxfs.NodeSpec{Mode: 0o755}

	a, err := b.Mkdir(ctx, b.Root(), "a", spec)
	if err != nil {
		t.Fatalf("failed to mkdir a: %v", err)
	}
	if _, err := b.Mkdir(ctx, a, "sub", spec); err != nil {
		t.Fatalf("failed to mkdir a/sub: %v", err)
	}

	attr, _ := b.Getattr(ctx, a)
	if attr.Nlink != 3 {
		t.Errorf("expected nlink 3 for dir with one subdir, got %d", attr.Nlink)
	}
	root, _ := b.Getattr(ctx, b.Root())
	if root.Nlink != 3 {
		t.Errorf("expected root nlink 3, got %d", root.Nlink)
	}

	if err := b.Rename(ctx, a, "sub", b.Root(), "sub", 0); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	attr, _ = b.Getattr(ctx, a)
	if attr.Nlink != 2 {
		t.Errorf("expected nlink 2 after moving subdir out, got %d", attr.Nlink)
	}
	root, _ = b.Getattr(ctx, b.Root())
	if root.Nlink != 4 {
		t.Errorf("expected root nlink 4, got %d", root.Nlink)
	}
}

func TestCreateRejectsDirectoryType(t *testing.T) {
	b := New()
	_, err := b.Create(context.Background(), b.Root(), "d", sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory})
	if sandboxfs.ErrnoOf(err) != sandboxfs.ErrInvalid {
		t.Errorf("expected Invalid, got %v", err)
	}
}

func TestFifoNode(t *testing.T) {
	ctx := context.Background()
	b := New()
	h, err := b.Create(ctx, b.Root(), "pipe", sandboxfs.NodeSpec{Type: sandboxfs.TypeFifo, Mode: 0o600})
	if err != nil {
		t.Fatalf("failed to create fifo: %v", err)
	}
	attr, _ := b.Getattr(ctx, h)
	if attr.Type != sandboxfs.TypeFifo {
		t.Errorf("expected fifo, got %v", attr.Type)
	}
	if _, err := b.Read(ctx, h, make([]byte, 1), 0); sandboxfs.ErrnoOf(err) != sandboxfs.ErrInvalid {
		t.Errorf("expected Invalid reading fifo, got %v", err)
	}
}
