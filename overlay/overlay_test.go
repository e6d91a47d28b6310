package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/backendtest"
	"github.com/absfs/sandboxfs/host"
	"github.com/absfs/sandboxfs/internal/clock"
	"github.com/absfs/sandboxfs/mem"
)

func TestConformance(t *testing.T) {
	for _, format := range []WhiteoutFormat{WhiteoutCharDev, WhiteoutFile} {
		t.Run(format.String(), func(t *testing.T) {
			suite := &backendtest.Suite{
				New: func(t *testing.T) sandboxfs.Backend {
					return newOverlay(t, mem.New(), WithWhiteoutFormat(format))
				},
				Features: backendtest.Features{
					OpenUnlinked: true,
					Timestamps:   true,
					DirGen:       true,
				},
			}
			suite.Run(t)
		})
	}
}

// Test helpers

func newOverlay(t *testing.T, lower sandboxfs.Backend, opts ...Option) *Overlay {
	t.Helper()
	opts = append([]Option{WithUpper(mem.New()), WithLower(lower)}, opts...)
	o, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("failed to create overlay: %v", err)
	}
	return o
}

// put creates p and its parents in b with the given content.
func put(t *testing.T, b sandboxfs.Backend, p, data string) sandboxfs.Handle {
	t.Helper()
	ctx := context.Background()
	dir := b.Root()
	parts := strings.Split(p, "/")
	for _, part := range parts[:len(parts)-1] {
		h, err := b.Lookup(ctx, dir, part)
		if err != nil {
			h, err = b.Mkdir(ctx, dir, part, sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory, Mode: 0o755})
			if err != nil {
				t.Fatalf("failed to mkdir %s: %v", part, err)
			}
		}
		dir = h
	}
	h, err := b.Create(ctx, dir, parts[len(parts)-1], sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o640})
	if err != nil {
		t.Fatalf("failed to create %s: %v", p, err)
	}
	if data != "" {
		if err := b.Open(ctx, h, sandboxfs.OpenWrite); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Write(ctx, h, []byte(data), 0); err != nil {
			t.Fatalf("failed to write %s: %v", p, err)
		}
		if err := b.Release(ctx, h); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

// walk looks p up component by component.
func walk(ctx context.Context, b sandboxfs.Backend, p string) (sandboxfs.Handle, error) {
	h := b.Root()
	for _, part := range strings.Split(p, "/") {
		next, err := b.Lookup(ctx, h, part)
		if err != nil {
			return 0, err
		}
		h = next
	}
	return h, nil
}

func mustWalk(t *testing.T, b sandboxfs.Backend, p string) sandboxfs.Handle {
	t.Helper()
	h, err := walk(context.Background(), b, p)
	if err != nil {
		t.Fatalf("failed to lookup %s: %v", p, err)
	}
	return h
}

func content(t *testing.T, b sandboxfs.Backend, h sandboxfs.Handle) string {
	t.Helper()
	ctx := context.Background()
	if err := b.Open(ctx, h, sandboxfs.OpenRead); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer b.Release(ctx, h)
	buf := make([]byte, 1<<16)
	n, err := b.Read(ctx, h, buf, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("failed to read: %v", err)
	}
	return string(buf[:n])
}

func names(t *testing.T, b sandboxfs.Backend, dir sandboxfs.Handle) string {
	t.Helper()
	entries, err := b.ReadDir(context.Background(), dir, "", 0)
	if err != nil {
		t.Fatalf("failed to readdir: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return fmt.Sprint(out)
}

func writeAt(t *testing.T, b sandboxfs.Backend, h sandboxfs.Handle, data string, off int64) {
	t.Helper()
	ctx := context.Background()
	if err := b.Open(ctx, h, sandboxfs.OpenWrite); err != nil {
		t.Fatalf("failed to open for write: %v", err)
	}
	defer b.Release(ctx, h)
	if _, err := b.Write(ctx, h, []byte(data), off); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
}

func wantErrno(t *testing.T, what string, err error, want sandboxfs.Errno) {
	t.Helper()
	if got := sandboxfs.ErrnoOf(err); got != want {
		t.Fatalf("%s: expected %v, got %v (%v)", what, want, got, err)
	}
}

// Tests

func TestNewRequiresLayer(t *testing.T) {
	_, err := New(context.Background())
	wantErrno(t, "new without layers", err, sandboxfs.ErrInvalid)

	ro := mem.New(mem.WithCapabilities(sandboxfs.Capabilities{ReadOnly: true}))
	_, err = New(context.Background(), WithUpper(ro))
	wantErrno(t, "read-only upper", err, sandboxfs.ErrReadOnly)
}

func TestParseWhiteoutFormat(t *testing.T) {
	cases := map[string]WhiteoutFormat{
		"":        WhiteoutAuto,
		"auto":    WhiteoutAuto,
		"chardev": WhiteoutCharDev,
		"FILE":    WhiteoutFile,
	}
	for in, want := range cases {
		got, err := ParseWhiteoutFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseWhiteoutFormat(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseWhiteoutFormat("xfs"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestUpperShadowsLower(t *testing.T) {
	lower := mem.New()
	put(t, lower, "etc/conf", "lower")
	put(t, lower, "etc/only-lower", "L")
	o := newOverlay(t, lower)
	upper := o.upper

	put(t, upper, "etc/conf", "upper")
	put(t, upper, "etc/only-upper", "U")

	if got := content(t, o, mustWalk(t, o, "etc/conf")); got != "upper" {
		t.Errorf("expected upper content, got %q", got)
	}
	if got := content(t, o, mustWalk(t, o, "etc/only-lower")); got != "L" {
		t.Errorf("expected lower content, got %q", got)
	}
	if got := names(t, o, mustWalk(t, o, "etc")); got != "[conf only-lower only-upper]" {
		t.Errorf("unexpected merged listing %s", got)
	}
}

func TestUnlinkLowerCreatesWhiteout(t *testing.T) {
	for _, format := range []WhiteoutFormat{WhiteoutCharDev, WhiteoutFile} {
		t.Run(format.String(), func(t *testing.T) {
			ctx := context.Background()
			lower := mem.New()
			put(t, lower, "a.txt", "lower")
			put(t, lower, "b.txt", "keep")
			o := newOverlay(t, lower, WithWhiteoutFormat(format))

			if err := o.Unlink(ctx, o.Root(), "a.txt"); err != nil {
				t.Fatalf("failed to unlink: %v", err)
			}
			_, err := o.Lookup(ctx, o.Root(), "a.txt")
			wantErrno(t, "lookup after unlink", err, sandboxfs.ErrNotFound)
			if got := names(t, o, o.Root()); got != "[b.txt]" {
				t.Errorf("expected [b.txt], got %s", got)
			}

			// The lower layer is untouched.
			if got := content(t, lower, mustWalk(t, lower, "a.txt")); got != "lower" {
				t.Errorf("lower layer modified: %q", got)
			}

			upper := o.upper
			switch format {
			case WhiteoutCharDev:
				h := mustWalk(t, upper, "a.txt")
				attr, err := upper.Getattr(ctx, h)
				if err != nil {
					t.Fatal(err)
				}
				if !isWhiteoutAttr(attr) {
					t.Errorf("expected char device 0/0 in upper, got %v rdev %d", attr.Type, attr.Rdev)
				}
			case WhiteoutFile:
				if _, err := walk(ctx, upper, ".wh.a.txt"); err != nil {
					t.Errorf("expected .wh.a.txt sentinel in upper: %v", err)
				}
			}

			// Recreating the name replaces the whiteout.
			h, err := o.Create(ctx, o.Root(), "a.txt", sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o644})
			if err != nil {
				t.Fatalf("failed to recreate: %v", err)
			}
			writeAt(t, o, h, "new", 0)
			if got := content(t, o, mustWalk(t, o, "a.txt")); got != "new" {
				t.Errorf("expected recreated content, got %q", got)
			}
			if got := names(t, o, o.Root()); got != "[a.txt b.txt]" {
				t.Errorf("expected [a.txt b.txt], got %s", got)
			}
		})
	}
}

func TestUnlinkCopiedUpFileKeepsLowerHidden(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "f", "lower")
	o := newOverlay(t, lower)

	writeAt(t, o, mustWalk(t, o, "f"), "UP", 0)

	if err := o.Unlink(ctx, o.Root(), "f"); err != nil {
		t.Fatalf("failed to unlink: %v", err)
	}
	_, err := o.Lookup(ctx, o.Root(), "f")
	wantErrno(t, "lookup after unlink", err, sandboxfs.ErrNotFound)
}

func TestMkdirOverWhiteoutIsOpaque(t *testing.T) {
	for _, format := range []WhiteoutFormat{WhiteoutCharDev, WhiteoutFile} {
		t.Run(format.String(), func(t *testing.T) {
			ctx := context.Background()
			lower := mem.New()
			put(t, lower, "d/old", "x")
			o := newOverlay(t, lower, WithWhiteoutFormat(format))

			d := mustWalk(t, o, "d")
			if err := o.Unlink(ctx, d, "old"); err != nil {
				t.Fatalf("failed to unlink: %v", err)
			}
			if err := o.Rmdir(ctx, o.Root(), "d"); err != nil {
				t.Fatalf("failed to rmdir: %v", err)
			}
			nd, err := o.Mkdir(ctx, o.Root(), "d", sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory, Mode: 0o755})
			if err != nil {
				t.Fatalf("failed to mkdir over whiteout: %v", err)
			}
			if got := names(t, o, nd); got != "[]" {
				t.Errorf("new directory shows lower entries: %s", got)
			}
			_, err = o.Lookup(ctx, nd, "old")
			wantErrno(t, "lookup hidden lower child", err, sandboxfs.ErrNotFound)

			opaque, err := o.isOpaque(ctx, mustWalk(t, o.upper, "d"))
			if err != nil || !opaque {
				t.Errorf("expected upper directory to be opaque, got %v (%v)", opaque, err)
			}
		})
	}
}

func TestRmdirMergedNotEmpty(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "d/a", "")
	o := newOverlay(t, lower)

	wantErrno(t, "rmdir with lower child", o.Rmdir(ctx, o.Root(), "d"), sandboxfs.ErrNotEmpty)
	if err := o.Unlink(ctx, mustWalk(t, o, "d"), "a"); err != nil {
		t.Fatal(err)
	}
	if err := o.Rmdir(ctx, o.Root(), "d"); err != nil {
		t.Fatalf("failed to rmdir emptied directory: %v", err)
	}
	if got := names(t, o, o.Root()); got != "[]" {
		t.Errorf("expected empty root, got %s", got)
	}
}

func TestCopyUpOnWrite(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	lower := mem.New(mem.WithClock(fc))
	lh := put(t, lower, "dir/file", "hello world")
	if err := lower.SetXattr(ctx, lh, "user.tag", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	lowerAttr, _ := lower.Getattr(ctx, lh)

	o := newOverlay(t, lower)
	h := mustWalk(t, o, "dir/file")
	before, err := o.Getattr(ctx, h)
	if err != nil {
		t.Fatal(err)
	}

	writeAt(t, o, h, "HELLO", 0)

	if got := content(t, o, h); got != "HELLO world" {
		t.Errorf("expected modified content, got %q", got)
	}
	if got := content(t, lower, lh); got != "hello world" {
		t.Errorf("lower layer modified: %q", got)
	}

	uh := mustWalk(t, o.upper, "dir/file")
	attr, err := o.upper.Getattr(ctx, uh)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Mode != lowerAttr.Mode {
		t.Errorf("mode not preserved: %v vs %v", attr.Mode, lowerAttr.Mode)
	}
	v, err := o.GetXattr(ctx, h, "user.tag")
	if err != nil || string(v) != "v1" {
		t.Errorf("xattr not copied: %q %v", v, err)
	}
	after, _ := o.Getattr(ctx, h)
	if after.Ino != before.Ino {
		t.Errorf("inode number changed across copy-up: %d -> %d", before.Ino, after.Ino)
	}
}

func TestCopyUpPreservesTimesOnChmod(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(time.Date(2019, 3, 4, 5, 6, 7, 0, time.UTC))
	lower := mem.New(mem.WithClock(fc))
	put(t, lower, "f", "x")
	o := newOverlay(t, lower)

	h := mustWalk(t, o, "f")
	mode := fs.FileMode(0o600)
	if _, err := o.Setattr(ctx, h, sandboxfs.SetAttr{Mode: &mode}); err != nil {
		t.Fatalf("failed to chmod: %v", err)
	}
	attr, err := o.upper.Getattr(ctx, mustWalk(t, o.upper, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if attr.Mode != 0o600 {
		t.Errorf("expected mode 0600 in upper, got %v", attr.Mode)
	}
	if !attr.Mtime.Equal(fc.Now()) {
		t.Errorf("mtime not preserved: %v", attr.Mtime)
	}
}

func TestCopyUpWithTruncateSkipsData(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "big", strings.Repeat("x", 4096))
	o := newOverlay(t, lower)

	h := mustWalk(t, o, "big")
	if err := o.Open(ctx, h, sandboxfs.OpenWrite|sandboxfs.OpenTruncate); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if err := o.Truncate(ctx, h, 0); err != nil {
		t.Fatal(err)
	}
	if err := o.Release(ctx, h); err != nil {
		t.Fatal(err)
	}
	attr, _ := o.Getattr(ctx, h)
	if attr.Size != 0 {
		t.Errorf("expected empty file, got size %d", attr.Size)
	}
}

// failingUpper refuses writes so copy-up fails partway.
type failingUpper struct {
	*mem.Backend
}

func (f failingUpper) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	return 0, sandboxfs.ErrNoSpace
}

func TestFailedCopyUpLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "f", "data")
	upper := failingUpper{mem.New()}
	o, err := New(ctx, WithUpper(upper), WithLower(lower))
	if err != nil {
		t.Fatal(err)
	}

	h := mustWalk(t, o, "f")
	err = o.Open(ctx, h, sandboxfs.OpenWrite)
	wantErrno(t, "open for write", err, sandboxfs.ErrNoSpace)

	raw, err := listAll(ctx, upper, upper.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 0 {
		t.Errorf("upper layer has leftovers: %v", raw)
	}
	if got := content(t, o, mustWalk(t, o, "f")); got != "data" {
		t.Errorf("expected lower content still visible, got %q", got)
	}
}

func TestNonAtomicCopyUpPolicy(t *testing.T) {
	ctx := context.Background()
	caps := sandboxfs.AllNative()
	caps.AtomicRename = sandboxfs.Emulated

	lower := mem.New()
	put(t, lower, "f", "data")

	strict, err := New(ctx, WithUpper(mem.New(mem.WithCapabilities(caps))), WithLower(lower))
	if err != nil {
		t.Fatal(err)
	}
	err = strict.Open(ctx, mustWalk(t, strict, "f"), sandboxfs.OpenWrite)
	wantErrno(t, "copy-up without atomic rename", err, sandboxfs.ErrNotSupported)

	lenient, err := New(ctx, WithUpper(mem.New(mem.WithCapabilities(caps))), WithLower(lower), WithNonAtomicCopyUp())
	if err != nil {
		t.Fatal(err)
	}
	h := mustWalk(t, lenient, "f")
	writeAt(t, lenient, h, "D", 0)
	if got := content(t, lenient, h); got != "Data" {
		t.Errorf("expected copied content, got %q", got)
	}
}

func TestRenameLowerFile(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "src", "payload")
	o := newOverlay(t, lower)

	if err := o.Rename(ctx, o.Root(), "src", o.Root(), "dst", 0); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	_, err := o.Lookup(ctx, o.Root(), "src")
	wantErrno(t, "lookup old name", err, sandboxfs.ErrNotFound)
	if got := content(t, o, mustWalk(t, o, "dst")); got != "payload" {
		t.Errorf("expected payload at new name, got %q", got)
	}
	if got := names(t, o, o.Root()); got != "[dst]" {
		t.Errorf("expected [dst], got %s", got)
	}
}

func TestRenameDirectoryWithLowerContent(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "ldir/f", "x")
	o := newOverlay(t, lower)

	wantErrno(t, "rename merged dir", o.Rename(ctx, o.Root(), "ldir", o.Root(), "moved", 0), sandboxfs.ErrCrossDevice)

	if _, err := o.Mkdir(ctx, o.Root(), "udir", sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory, Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	if err := o.Rename(ctx, o.Root(), "udir", o.Root(), "moved", 0); err != nil {
		t.Fatalf("failed to rename upper-only dir: %v", err)
	}
}

func TestRenameDirOverLowerDir(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "target/gone", "x")
	o := newOverlay(t, lower)

	if err := o.Unlink(ctx, mustWalk(t, o, "target"), "gone"); err != nil {
		t.Fatal(err)
	}
	src, err := o.Mkdir(ctx, o.Root(), "src", sandboxfs.NodeSpec{Type: sandboxfs.TypeDirectory, Mode: 0o755})
	if err != nil {
		t.Fatal(err)
	}
	put(t, o, "src/new", "n")
	if err := o.Rename(ctx, o.Root(), "src", o.Root(), "target", 0); err != nil {
		t.Fatalf("failed to rename over emptied lower dir: %v", err)
	}
	if got := names(t, o, src); got != "[new]" {
		t.Errorf("expected only [new] in moved dir, got %s", got)
	}
	if got := names(t, o, o.Root()); got != "[target]" {
		t.Errorf("expected [target], got %s", got)
	}
}

func TestReservedNames(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	o := newOverlay(t, lower)

	_, err := o.Create(ctx, o.Root(), ".wh.x", sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular})
	wantErrno(t, "create reserved", err, sandboxfs.ErrInvalid)
	_, err = o.Create(ctx, o.Root(), "dev", sandboxfs.NodeSpec{Type: sandboxfs.TypeCharDevice})
	wantErrno(t, "create chardev 0/0", err, sandboxfs.ErrInvalid)
	err = o.SetXattr(ctx, o.Root(), OpaqueXattr, []byte("y"))
	wantErrno(t, "set reserved xattr", err, sandboxfs.ErrInvalid)
}

func TestOpenReaderFollowsCopyUp(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "f", "old")
	o := newOverlay(t, lower)

	h := mustWalk(t, o, "f")
	if err := o.Open(ctx, h, sandboxfs.OpenRead); err != nil {
		t.Fatal(err)
	}
	writeAt(t, o, h, "new", 0)

	buf := make([]byte, 8)
	n, err := o.Read(ctx, h, buf, 0)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf[:n]) != "new" {
		t.Errorf("reader opened before copy-up sees %q", buf[:n])
	}
	if err := o.Release(ctx, h); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	wantErrno(t, "extra release", o.Release(ctx, h), sandboxfs.ErrBadDescriptor)
}

func TestReadOnlyOverlay(t *testing.T) {
	ctx := context.Background()
	l1, l2 := mem.New(), mem.New()
	put(t, l1, "shared", "top")
	put(t, l2, "shared", "bottom")
	put(t, l2, "deep", "d")

	o, err := New(ctx, WithLower(l1), WithLower(l2))
	if err != nil {
		t.Fatal(err)
	}
	if !o.Capabilities().ReadOnly {
		t.Error("overlay without upper must be read-only")
	}
	if got := content(t, o, mustWalk(t, o, "shared")); got != "top" {
		t.Errorf("first lower must win, got %q", got)
	}
	if got := names(t, o, o.Root()); got != "[deep shared]" {
		t.Errorf("expected [deep shared], got %s", got)
	}
	_, err = o.Create(ctx, o.Root(), "x", sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular})
	wantErrno(t, "create", err, sandboxfs.ErrReadOnly)
	wantErrno(t, "open for write", o.Open(ctx, mustWalk(t, o, "deep"), sandboxfs.OpenWrite), sandboxfs.ErrReadOnly)
}

func TestLowerWhiteoutsHonored(t *testing.T) {
	ctx := context.Background()
	l1, l2 := mem.New(), mem.New()
	put(t, l1, ".wh.gone", "")
	put(t, l2, "gone", "x")
	put(t, l2, "kept", "y")

	o, err := New(ctx, WithLower(l1), WithLower(l2))
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.Lookup(ctx, o.Root(), "gone")
	wantErrno(t, "lookup whited out in lower", err, sandboxfs.ErrNotFound)
	if got := names(t, o, o.Root()); got != "[kept]" {
		t.Errorf("expected [kept], got %s", got)
	}
}

func TestLowerCache(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(time.Unix(0, 0))
	lower := mem.New()
	put(t, lower, "f", "x")
	o := newOverlay(t, lower, WithLowerCache(time.Minute, time.Second, 10), WithClock(fc))

	for i := 0; i < 3; i++ {
		if _, err := o.Lookup(ctx, o.Root(), "f"); err != nil {
			t.Fatal(err)
		}
	}
	stats := o.CacheStats()
	if !stats.Enabled || stats.Hits < 2 {
		t.Errorf("expected cache hits, got %+v", stats)
	}

	fc.Advance(2 * time.Minute)
	missesBefore := o.CacheStats().Misses
	if _, err := o.Lookup(ctx, o.Root(), "f"); err != nil {
		t.Fatal(err)
	}
	if o.CacheStats().Misses <= missesBefore {
		t.Errorf("expired entry should miss")
	}
	o.ClearCache()
	if o.CacheStats().Entries != 0 {
		t.Errorf("expected empty cache after clear")
	}
}

// A file from a host lower layer is modified through the VFS while the
// host file stays untouched.
func TestHostLowerThroughVFS(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lower, err := host.New(dir, host.ReadOnly())
	if err != nil {
		t.Fatalf("failed to open host layer: %v", err)
	}
	o := newOverlay(t, lower)

	v := sandboxfs.New()
	defer v.Close(ctx)
	if err := v.Mount(ctx, "/", o, sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount overlay: %v", err)
	}

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/etc/hosts", sandboxfs.OpenWrite|sandboxfs.OpenAppend, 0)
	if err != nil {
		t.Fatalf("failed to open for append: %v", err)
	}
	if _, err := v.FdWrite(ctx, fd, []byte("10.0.0.1 sandbox\n")); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := v.FdClose(ctx, fd); err != nil {
		t.Fatal(err)
	}

	fd, err = v.PathOpen(ctx, sandboxfs.AtCWD, "/etc/hosts", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 256)
	n, err := v.FdRead(ctx, fd, buf)
	if err != nil {
		t.Fatal(err)
	}
	v.FdClose(ctx, fd)
	if got := string(buf[:n]); got != "127.0.0.1 localhost\n10.0.0.1 sandbox\n" {
		t.Errorf("unexpected overlay content %q", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "etc", "hosts"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "127.0.0.1 localhost\n" {
		t.Errorf("host file modified: %q", data)
	}

	if err := v.PathUnlinkFile(ctx, sandboxfs.AtCWD, "/etc/hosts"); err != nil {
		t.Fatalf("failed to unlink: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc", "hosts")); err != nil {
		t.Errorf("host file removed: %v", err)
	}
	_, err = v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/etc/hosts", true)
	wantErrno(t, "stat after unlink", err, sandboxfs.ErrNotFound)
}

// whiteoutStuckUpper cannot remove whiteout sentinels.
type whiteoutStuckUpper struct {
	*mem.Backend
}

func (u whiteoutStuckUpper) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	if strings.HasPrefix(name, WhiteoutPrefix) {
		return sandboxfs.ErrIO
	}
	return u.Backend.Unlink(ctx, dir, name)
}

func TestRenameWhiteoutCleanupFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		upper sandboxfs.Backend
		warn  bool
	}{
		{"no sentinel", mem.New(), false},
		{"stuck sentinel", whiteoutStuckUpper{mem.New()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			o, err := New(ctx,
				WithUpper(tt.upper),
				WithLower(mem.New()),
				WithWhiteoutFormat(WhiteoutFile),
				WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
			)
			if err != nil {
				t.Fatal(err)
			}
			put(t, o, "a", "data")

			if err := o.Rename(ctx, o.Root(), "a", o.Root(), "b", 0); err != nil {
				t.Fatalf("failed to rename: %v", err)
			}
			if got := content(t, o, mustWalk(t, o, "b")); got != "data" {
				t.Errorf("expected data at new name, got %q", got)
			}
			logged := strings.Contains(logs.String(), "failed to remove whiteout") && strings.Contains(logs.String(), "name=b")
			if logged != tt.warn {
				t.Errorf("expected warning %v, got logs %q", tt.warn, logs.String())
			}
		})
	}
}

// Lookups and reads racing with copy-up see the lower content or the
// written content, never an error or a short file.
func TestCopyUpConcurrentWithLookup(t *testing.T) {
	ctx := context.Background()
	const files = 8
	lower := mem.New()
	for i := 0; i < files; i++ {
		put(t, lower, fmt.Sprintf("d/f%d", i), fmt.Sprintf("lower-%02d", i))
	}
	o := newOverlay(t, lower)

	v := sandboxfs.New()
	defer v.Close(ctx)
	if err := v.Mount(ctx, "/", o, sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount overlay: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*files)
	for i := 0; i < files; i++ {
		p := fmt.Sprintf("/d/f%d", i)
		old, updated := fmt.Sprintf("lower-%02d", i), fmt.Sprintf("upper-%02d", i)

		wg.Add(2)
		go func() {
			defer wg.Done()
			fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, p, sandboxfs.OpenWrite, 0)
			if err != nil {
				errs <- err
				return
			}
			defer v.FdClose(ctx, fd)
			if _, err := v.FdPwrite(ctx, fd, []byte(updated), 0); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			buf := make([]byte, 32)
			for j := 0; j < 50; j++ {
				st, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, p, true)
				if err != nil {
					errs <- err
					return
				}
				if st.Size != int64(len(old)) {
					errs <- fmt.Errorf("%s: size %d during copy-up", p, st.Size)
					return
				}
				fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, p, sandboxfs.OpenRead, 0)
				if err != nil {
					errs <- err
					return
				}
				n, err := v.FdPread(ctx, fd, buf, 0)
				v.FdClose(ctx, fd)
				if err != nil && !errors.Is(err, io.EOF) {
					errs <- err
					return
				}
				if got := string(buf[:n]); got != old && got != updated {
					errs <- fmt.Errorf("%s: read %q during copy-up", p, got)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := 0; i < files; i++ {
		name := fmt.Sprintf("d/f%d", i)
		if got, want := content(t, o, mustWalk(t, o, name)), fmt.Sprintf("upper-%02d", i); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
		if got, want := content(t, lower, mustWalk(t, lower, name)), fmt.Sprintf("lower-%02d", i); got != want {
			t.Errorf("lower %s modified: %q", name, got)
		}
	}
}

// A handle to a lower file that was unlinked or replaced must not copy
// the old file back up under its name.
func TestRemovedLowerHandleCannotCopyUp(t *testing.T) {
	ctx := context.Background()
	lower := mem.New()
	put(t, lower, "gone", "old")
	put(t, lower, "dst", "old")
	o := newOverlay(t, lower)

	gone := mustWalk(t, o, "gone")
	if err := o.Unlink(ctx, o.Root(), "gone"); err != nil {
		t.Fatalf("failed to unlink: %v", err)
	}
	mode := fs.FileMode(0o600)
	_, err := o.Setattr(ctx, gone, sandboxfs.SetAttr{Mode: &mode})
	wantErrno(t, "setattr of unlinked lower file", err, sandboxfs.ErrStaleInode)
	_, err = o.Lookup(ctx, o.Root(), "gone")
	wantErrno(t, "lookup after setattr", err, sandboxfs.ErrNotFound)

	dst := mustWalk(t, o, "dst")
	put(t, o, "src", "new")
	if err := o.Rename(ctx, o.Root(), "src", o.Root(), "dst", 0); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	_, err = o.Setattr(ctx, dst, sandboxfs.SetAttr{Mode: &mode})
	wantErrno(t, "setattr of replaced lower file", err, sandboxfs.ErrStaleInode)
	if got := content(t, o, mustWalk(t, o, "dst")); got != "new" {
		t.Errorf("expected renamed content, got %q", got)
	}
}
