package sandboxfs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/mem"
	"github.com/absfs/sandboxfs/overlay"
)

// Test helpers

func newVFS(t *testing.T, opts ...sandboxfs.Option) *sandboxfs.VFS {
	t.Helper()
	v := sandboxfs.New(opts...)
	if err := v.Mount(context.Background(), "/", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount root: %v", err)
	}
	t.Cleanup(func() { v.Close(context.Background()) })
	return v
}

func wantErrno(t *testing.T, what string, err error, want sandboxfs.Errno) {
	t.Helper()
	if got := sandboxfs.ErrnoOf(err); got != want {
		t.Fatalf("%s: expected %v, got %v (%v)", what, want, got, err)
	}
}

func writeFile(t *testing.T, v *sandboxfs.VFS, p string, data string) {
	t.Helper()
	ctx := context.Background()
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, p, sandboxfs.OpenWrite|sandboxfs.OpenCreate|sandboxfs.OpenTruncate, 0o644)
	if err != nil {
		t.Fatalf("failed to create %s: %v", p, err)
	}
	defer v.FdClose(ctx, fd)
	if _, err := v.FdWrite(ctx, fd, []byte(data)); err != nil {
		t.Fatalf("failed to write %s: %v", p, err)
	}
}

func readFile(t *testing.T, v *sandboxfs.VFS, p string) string {
	t.Helper()
	ctx := context.Background()
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, p, sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open %s: %v", p, err)
	}
	defer v.FdClose(ctx, fd)
	return readAll(t, v, fd)
}

func readAll(t *testing.T, v *sandboxfs.VFS, fd sandboxfs.FD) string {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 7)
	for {
		n, err := v.FdRead(context.Background(), fd, buf)
		if err != nil {
			t.Fatalf("failed to read fd %d: %v", fd, err)
		}
		if n == 0 {
			return out.String()
		}
		out.Write(buf[:n])
	}
}

func mkdir(t *testing.T, v *sandboxfs.VFS, p string) {
	t.Helper()
	if err := v.PathCreateDirectory(context.Background(), sandboxfs.AtCWD, p, 0o755); err != nil {
		t.Fatalf("failed to mkdir %s: %v", p, err)
	}
}

func symlink(t *testing.T, v *sandboxfs.VFS, target, p string) {
	t.Helper()
	if err := v.PathSymlink(context.Background(), target, sandboxfs.AtCWD, p); err != nil {
		t.Fatalf("failed to symlink %s -> %s: %v", p, target, err)
	}
}

func stat(t *testing.T, v *sandboxfs.VFS, p string, follow bool) sandboxfs.Filestat {
	t.Helper()
	st, err := v.PathFilestatGet(context.Background(), sandboxfs.AtCWD, p, follow)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", p, err)
	}
	return st
}

func listNames(t *testing.T, v *sandboxfs.VFS, p string) []string {
	t.Helper()
	ctx := context.Background()
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, p, sandboxfs.OpenRead|sandboxfs.OpenDirectory, 0)
	if err != nil {
		t.Fatalf("failed to open dir %s: %v", p, err)
	}
	defer v.FdClose(ctx, fd)

	var names []string
	var cookie uint64
	for {
		ents, err := v.FdReaddir(ctx, fd, cookie, 2)
		if err != nil {
			t.Fatalf("failed to readdir %s: %v", p, err)
		}
		for _, e := range ents {
			names = append(names, e.Name)
			cookie = e.Next
		}
		if len(ents) < 2 {
			return names
		}
	}
}

// Mounting

func TestMountRequiresRootFirst(t *testing.T) {
	v := sandboxfs.New()
	err := v.Mount(context.Background(), "/data", mem.New(), sandboxfs.MountOptions{})
	wantErrno(t, "mount before root", err, sandboxfs.ErrNotFound)

	if err := v.Mount(context.Background(), "/", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount root: %v", err)
	}
	err = v.Mount(context.Background(), "/", mem.New(), sandboxfs.MountOptions{})
	wantErrno(t, "second root mount", err, sandboxfs.ErrAlreadyMounted)
}

func TestNestedMountShadowsDirectory(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/mnt")
	writeFile(t, v, "/mnt/hidden", "under")

	if err := v.Mount(ctx, "/mnt", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount /mnt: %v", err)
	}
	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/mnt/hidden", true)
	wantErrno(t, "stat shadowed file", err, sandboxfs.ErrNotFound)

	writeFile(t, v, "/mnt/top", "over")
	if got := readFile(t, v, "/mnt/../mnt/top"); got != "over" {
		t.Errorf("expected %q, got %q", "over", got)
	}
	root := stat(t, v, "/", true)
	if up := stat(t, v, "/mnt/..", true); up.Ino != root.Ino {
		t.Errorf(".. from mount root did not cross to parent mount")
	}
	if st := stat(t, v, "/mnt", true); st.Dev == root.Dev {
		t.Errorf("expected different device for nested mount")
	}

	err = v.PathRemoveDirectory(ctx, sandboxfs.AtCWD, "/mnt")
	wantErrno(t, "rmdir mount point", err, sandboxfs.ErrBusy)

	if err := v.Unmount(ctx, "/mnt"); err != nil {
		t.Fatalf("failed to unmount: %v", err)
	}
	if got := readFile(t, v, "/mnt/hidden"); got != "under" {
		t.Errorf("expected shadowed file back after unmount, got %q", got)
	}
}

func TestUnmountBusyWithOpenDescriptor(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/data")
	if err := v.Mount(ctx, "/data", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	writeFile(t, v, "/data/f", "x")

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/data/f", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	wantErrno(t, "unmount with open fd", v.Unmount(ctx, "/data"), sandboxfs.ErrBusy)

	if err := v.FdClose(ctx, fd); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := v.Unmount(ctx, "/data"); err != nil {
		t.Fatalf("failed to unmount after close: %v", err)
	}
	wantErrno(t, "unmount twice", v.Unmount(ctx, "/data"), sandboxfs.ErrNotFound)
}

func TestUnmountBusyWithNestedMount(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/a")
	if err := v.Mount(ctx, "/a", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount /a: %v", err)
	}
	mkdir(t, v, "/a/b")
	if err := v.Mount(ctx, "/a/b", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount /a/b: %v", err)
	}
	wantErrno(t, "unmount parent of nested mount", v.Unmount(ctx, "/a"), sandboxfs.ErrBusy)
	wantErrno(t, "rename ancestor of mount", v.PathRename(ctx, sandboxfs.AtCWD, "/a", sandboxfs.AtCWD, "/z"), sandboxfs.ErrBusy)
}

// Resolution

func TestStatVersusLstatChain(t *testing.T) {
	v := newVFS(t)
	writeFile(t, v, "/real", "data")
	symlink(t, v, "/real", "/l1")
	symlink(t, v, "l1", "/l2")
	symlink(t, v, "./l2", "/l3")

	for _, p := range []string{"/l1", "/l2", "/l3"} {
		if st := stat(t, v, p, false); st.Type != sandboxfs.TypeSymlink {
			t.Errorf("lstat %s: expected symlink, got %v", p, st.Type)
		}
		st := stat(t, v, p, true)
		if st.Type != sandboxfs.TypeRegular || st.Size != 4 {
			t.Errorf("stat %s: expected regular file of 4 bytes, got %v size %d", p, st.Type, st.Size)
		}
	}
	realSt := stat(t, v, "/real", true)
	if st := stat(t, v, "/l3", true); st.Ino != realSt.Ino {
		t.Errorf("stat through chain reached inode %d, want %d", st.Ino, realSt.Ino)
	}
}

func TestSymlinkLoopBound(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	symlink(t, v, "b", "/a")
	symlink(t, v, "a", "/b")

	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/a", true)
	wantErrno(t, "stat loop", err, sandboxfs.ErrSymlinkLoop)

	if st := stat(t, v, "/a", false); st.Type != sandboxfs.TypeSymlink {
		t.Errorf("lstat of loop member should succeed")
	}

	// A chain exactly at the bound resolves; one more hop does not.
	writeFile(t, v, "/end", "x")
	prev := "/end"
	for i := 0; i < sandboxfs.DefaultMaxSymlinks; i++ {
		name := "/c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		symlink(t, v, prev, name)
		prev = name
	}
	if st := stat(t, v, prev, true); st.Type != sandboxfs.TypeRegular {
		t.Errorf("chain of %d links should resolve", sandboxfs.DefaultMaxSymlinks)
	}
	symlink(t, v, prev, "/over")
	_, err = v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/over", true)
	wantErrno(t, "chain past bound", err, sandboxfs.ErrSymlinkLoop)
}

func TestTrailingSlash(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/file", "x")
	mkdir(t, v, "/dir")

	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/file/", true)
	wantErrno(t, "stat file/", err, sandboxfs.ErrNotADirectory)
	_, err = v.PathOpen(ctx, sandboxfs.AtCWD, "/file/", sandboxfs.OpenRead, 0)
	wantErrno(t, "open file/", err, sandboxfs.ErrNotADirectory)
	wantErrno(t, "unlink file/", v.PathUnlinkFile(ctx, sandboxfs.AtCWD, "/file/"), sandboxfs.ErrNotADirectory)

	if st := stat(t, v, "/dir/", true); st.Type != sandboxfs.TypeDirectory {
		t.Errorf("dir/ should stat as directory")
	}
	if st := stat(t, v, "//dir//.//", true); st.Type != sandboxfs.TypeDirectory {
		t.Errorf("empty segments should collapse")
	}
}

func TestAbsoluteSymlinkStaysInSandbox(t *testing.T) {
	v := newVFS(t)
	mkdir(t, v, "/etc")
	writeFile(t, v, "/etc/passwd", "sandboxed")
	mkdir(t, v, "/deep")
	mkdir(t, v, "/deep/er")
	symlink(t, v, "/etc/passwd", "/deep/er/pw")
	symlink(t, v, "../../../../../../etc/passwd", "/deep/er/up")

	for _, p := range []string{"/deep/er/pw", "/deep/er/up"} {
		if got := readFile(t, v, p); got != "sandboxed" {
			t.Errorf("%s: expected sandbox content, got %q", p, got)
		}
	}
	if got := stat(t, v, "/../../..", true); got.Ino != stat(t, v, "/", true).Ino {
		t.Errorf(".. above root should stay at root")
	}
}

func TestBeneathRejectsEscapes(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/jail")
	writeFile(t, v, "/jail/in", "x")
	writeFile(t, v, "/out", "y")
	symlink(t, v, "/out", "/jail/abs")
	symlink(t, v, "../out", "/jail/rel")

	dirfd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/jail", sandboxfs.OpenRead|sandboxfs.OpenDirectory, 0)
	if err != nil {
		t.Fatalf("failed to open jail: %v", err)
	}
	defer v.FdClose(ctx, dirfd)

	tests := []struct {
		path string
		want sandboxfs.Errno
	}{
		{"in", 0},
		{"../out", sandboxfs.ErrPermissionDenied},
		{"/out", sandboxfs.ErrPermissionDenied},
		{"abs", sandboxfs.ErrPermissionDenied},
		{"rel", sandboxfs.ErrPermissionDenied},
	}
	for _, tt := range tests {
		_, err := v.Resolve(ctx, dirfd, tt.path, sandboxfs.Beneath|sandboxfs.FollowFinal)
		if got := sandboxfs.ErrnoOf(err); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.path, tt.want, got)
		}
	}
}

func TestRelativeToDirfdAndCwd(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/work")
	mkdir(t, v, "/work/sub")
	writeFile(t, v, "/work/sub/f", "rel")

	if err := v.Chdir(ctx, "/work"); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	if got := readFile(t, v, "sub/f"); got != "rel" {
		t.Errorf("expected %q via cwd, got %q", "rel", got)
	}
	wd, err := v.Getwd()
	if err != nil || wd != "/work" {
		t.Errorf("expected getwd /work, got %q, %v", wd, err)
	}

	dirfd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "sub", sandboxfs.OpenDirectory, 0)
	if err != nil {
		t.Fatalf("failed to open sub: %v", err)
	}
	defer v.FdClose(ctx, dirfd)
	st, err := v.PathFilestatGet(ctx, dirfd, "f", true)
	if err != nil || st.Size != 3 {
		t.Errorf("stat relative to dirfd: %+v, %v", st, err)
	}

	fileFD, err := v.PathOpen(ctx, dirfd, "f", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open f: %v", err)
	}
	defer v.FdClose(ctx, fileFD)
	_, err = v.PathFilestatGet(ctx, fileFD, "x", true)
	wantErrno(t, "dirfd on a file", err, sandboxfs.ErrNotADirectory)
	_, err = v.PathFilestatGet(ctx, 999, "x", true)
	wantErrno(t, "unknown dirfd", err, sandboxfs.ErrBadDescriptor)
}

// Namespace operations

func TestMkdirIdempotence(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/d")
	before := listNames(t, v, "/")

	err := v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/d", 0o755)
	wantErrno(t, "second mkdir", err, sandboxfs.ErrAlreadyExists)
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("expected errors.Is(err, fs.ErrExist)")
	}
	if after := listNames(t, v, "/"); len(after) != len(before) {
		t.Errorf("failed mkdir changed the listing: %v -> %v", before, after)
	}
	wantErrno(t, "mkdir /", v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/", 0o755), sandboxfs.ErrAlreadyExists)
	wantErrno(t, "mkdir missing parent", v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/no/such", 0o755), sandboxfs.ErrNotFound)
}

func TestConcurrentMkdirOneWinner(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/race", 0o755)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch sandboxfs.ErrnoOf(err) {
		case 0:
			wins++
		case sandboxfs.ErrAlreadyExists:
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one successful mkdir, got %d", wins)
	}
}

func TestHardlinkInvariant(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/a", "linked")

	if err := v.PathLink(ctx, sandboxfs.AtCWD, "/a", sandboxfs.AtCWD, "/b", false); err != nil {
		t.Fatalf("failed to link: %v", err)
	}
	sa, sb := stat(t, v, "/a", true), stat(t, v, "/b", true)
	if sa.Ino != sb.Ino {
		t.Errorf("expected same inode, got %d and %d", sa.Ino, sb.Ino)
	}
	if sb.Nlink != 2 {
		t.Errorf("expected nlink 2, got %d", sb.Nlink)
	}

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/b", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open b: %v", err)
	}

	if err := v.PathUnlinkFile(ctx, sandboxfs.AtCWD, "/a"); err != nil {
		t.Fatalf("failed to unlink a: %v", err)
	}
	if st := stat(t, v, "/b", true); st.Nlink != 1 {
		t.Errorf("expected nlink 1 after unlink, got %d", st.Nlink)
	}

	if err := v.PathUnlinkFile(ctx, sandboxfs.AtCWD, "/b"); err != nil {
		t.Fatalf("failed to unlink b: %v", err)
	}
	if _, ok := v.Inodes().Lookup(sb.Ino); !ok {
		t.Fatalf("inode reclaimed while a description is open")
	}
	if got := readAll(t, v, fd); got != "linked" {
		t.Errorf("expected content through open fd, got %q", got)
	}
	if err := v.FdClose(ctx, fd); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if _, ok := v.Inodes().Lookup(sb.Ino); ok {
		t.Errorf("inode not reclaimed after last close")
	}

	mkdir(t, v, "/dir")
	wantErrno(t, "link directory", v.PathLink(ctx, sandboxfs.AtCWD, "/dir", sandboxfs.AtCWD, "/dir2", false), sandboxfs.ErrPermissionDenied)
}

func TestLinkWithoutHardlinkCapability(t *testing.T) {
	ctx := context.Background()
	v := sandboxfs.New()
	caps := sandboxfs.AllNative()
	caps.Hardlinks = sandboxfs.Unsupported
	caps.Symlinks = sandboxfs.Unsupported
	if err := v.Mount(ctx, "/", mem.New(mem.WithCapabilities(caps)), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	writeFile(t, v, "/a", "x")

	wantErrno(t, "link", v.PathLink(ctx, sandboxfs.AtCWD, "/a", sandboxfs.AtCWD, "/b", false), sandboxfs.ErrNotSupported)
	wantErrno(t, "symlink", v.PathSymlink(ctx, "a", sandboxfs.AtCWD, "/s"), sandboxfs.ErrNotSupported)
}

func TestSymlinkScenario(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/real", "target content")
	symlink(t, v, "/real", "/link")

	target, err := v.PathReadlink(ctx, sandboxfs.AtCWD, "/link")
	if err != nil || target != "/real" {
		t.Fatalf("readlink: expected %q, got %q, %v", "/real", target, err)
	}

	nofollow, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/link", sandboxfs.OpenRead|sandboxfs.OpenNoFollow, 0)
	if err != nil {
		t.Fatalf("failed to open link with nofollow: %v", err)
	}
	defer v.FdClose(ctx, nofollow)
	st, err := v.FdFilestatGet(ctx, nofollow)
	if err != nil {
		t.Fatalf("failed to fstat: %v", err)
	}
	if st.Type != sandboxfs.TypeSymlink {
		t.Errorf("expected symlink, got %v", st.Type)
	}
	_, err = v.FdRead(ctx, nofollow, make([]byte, 4))
	wantErrno(t, "read path-only fd", err, sandboxfs.ErrBadDescriptor)

	follow, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/link", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open link: %v", err)
	}
	defer v.FdClose(ctx, follow)
	if got := readAll(t, v, follow); got != "target content" {
		t.Errorf("expected target content, got %q", got)
	}
	realSt := stat(t, v, "/real", true)
	if st, _ := v.FdFilestatGet(ctx, follow); st.Ino != realSt.Ino {
		t.Errorf("followed open did not reach /real")
	}

	_, err = v.PathReadlink(ctx, sandboxfs.AtCWD, "/real")
	wantErrno(t, "readlink regular file", err, sandboxfs.ErrInvalid)
	wantErrno(t, "empty symlink target", v.PathSymlink(ctx, "", sandboxfs.AtCWD, "/empty"), sandboxfs.ErrNotFound)
}

func TestCreateThroughDanglingSymlink(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	symlink(t, v, "/made", "/dangling")

	writeFile(t, v, "/dangling", "via link")
	if got := readFile(t, v, "/made"); got != "via link" {
		t.Errorf("expected target created, got %q", got)
	}
	_, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/made", sandboxfs.OpenWrite|sandboxfs.OpenCreate|sandboxfs.OpenExclusive, 0o644)
	wantErrno(t, "exclusive create of existing", err, sandboxfs.ErrAlreadyExists)
}

func TestRenameSemantics(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/src", "new")
	writeFile(t, v, "/dst", "old")
	mkdir(t, v, "/d")
	mkdir(t, v, "/d/sub")
	writeFile(t, v, "/d/sub/f", "deep")

	src := stat(t, v, "/src", true)
	if err := v.PathRename(ctx, sandboxfs.AtCWD, "/src", sandboxfs.AtCWD, "/dst"); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	if st := stat(t, v, "/dst", true); st.Ino != src.Ino {
		t.Errorf("inode changed across rename: %d -> %d", src.Ino, st.Ino)
	}
	if got := readFile(t, v, "/dst"); got != "new" {
		t.Errorf("expected replaced content, got %q", got)
	}
	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/src", true)
	wantErrno(t, "stat old name", err, sandboxfs.ErrNotFound)

	wantErrno(t, "dir into itself", v.PathRename(ctx, sandboxfs.AtCWD, "/d", sandboxfs.AtCWD, "/d/sub/x"), sandboxfs.ErrInvalid)
	wantErrno(t, "file over dir", v.PathRename(ctx, sandboxfs.AtCWD, "/dst", sandboxfs.AtCWD, "/d"), sandboxfs.ErrIsADirectory)
	wantErrno(t, "dir over file", v.PathRename(ctx, sandboxfs.AtCWD, "/d", sandboxfs.AtCWD, "/dst"), sandboxfs.ErrNotADirectory)

	if err := v.PathRename(ctx, sandboxfs.AtCWD, "/d", sandboxfs.AtCWD, "/moved"); err != nil {
		t.Fatalf("failed to rename dir: %v", err)
	}
	if got := readFile(t, v, "/moved/sub/f"); got != "deep" {
		t.Errorf("expected content under renamed dir, got %q", got)
	}
	if err := v.Chdir(ctx, "/moved/sub"); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	if wd, _ := v.Getwd(); wd != "/moved/sub" {
		t.Errorf("expected getwd to follow rename, got %q", wd)
	}
}

func TestRenameAcrossMounts(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/strict")
	mkdir(t, v, "/lenient")
	if err := v.Mount(ctx, "/strict", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	if err := v.Mount(ctx, "/lenient", mem.New(), sandboxfs.MountOptions{EmulateCrossRename: true}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	writeFile(t, v, "/f", "payload")

	err := v.PathRename(ctx, sandboxfs.AtCWD, "/f", sandboxfs.AtCWD, "/strict/f")
	wantErrno(t, "cross-mount rename", err, sandboxfs.ErrCrossDevice)
	var linkErr interface{ Unwrap() error }
	if !errors.As(err, &linkErr) {
		t.Errorf("expected a wrapped link error, got %T", err)
	}

	if err := v.PathRename(ctx, sandboxfs.AtCWD, "/f", sandboxfs.AtCWD, "/lenient/f"); err != nil {
		t.Fatalf("failed emulated rename: %v", err)
	}
	if got := readFile(t, v, "/lenient/f"); got != "payload" {
		t.Errorf("expected payload at destination, got %q", got)
	}
	_, err = v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/f", true)
	wantErrno(t, "source after emulated rename", err, sandboxfs.ErrNotFound)
	if names := listNames(t, v, "/lenient"); len(names) != 3 {
		t.Errorf("expected only . .. f in destination, got %v", names)
	}

	// Only the destination's option counts.
	err = v.PathRename(ctx, sandboxfs.AtCWD, "/lenient/f", sandboxfs.AtCWD, "/back")
	wantErrno(t, "rename out of emulating mount", err, sandboxfs.ErrCrossDevice)
	if got := readFile(t, v, "/lenient/f"); got != "payload" {
		t.Errorf("expected source untouched, got %q", got)
	}

	mkdir(t, v, "/dir")
	wantErrno(t, "emulated rename of dir", v.PathRename(ctx, sandboxfs.AtCWD, "/dir", sandboxfs.AtCWD, "/lenient/dir"), sandboxfs.ErrCrossDevice)
	wantErrno(t, "hardlink across mounts", v.PathLink(ctx, sandboxfs.AtCWD, "/lenient/f", sandboxfs.AtCWD, "/g", false), sandboxfs.ErrCrossDevice)
}

func TestRenameCapabilityPolicy(t *testing.T) {
	ctx := context.Background()
	caps := sandboxfs.AllNative()
	caps.AtomicRename = sandboxfs.Emulated

	v := sandboxfs.New()
	if err := v.Mount(ctx, "/", mem.New(mem.WithCapabilities(caps)), sandboxfs.MountOptions{RequireAtomicRename: true}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	writeFile(t, v, "/a", "x")
	wantErrno(t, "rename needing atomicity", v.PathRename(ctx, sandboxfs.AtCWD, "/a", sandboxfs.AtCWD, "/b"), sandboxfs.ErrNotSupported)

	got, err := v.Capabilities("/a")
	if err != nil {
		t.Fatalf("failed to get capabilities: %v", err)
	}
	if got.AtomicRename != sandboxfs.Emulated {
		t.Errorf("expected emulated rename, got %v", got.AtomicRename)
	}
}

func TestReadOnlyMount(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/ro")
	backing := mem.New()
	if _, err := backing.Create(ctx, backing.Root(), "f", sandboxfs.NodeSpec{Mode: 0o644}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if err := v.Mount(ctx, "/ro", backing, sandboxfs.MountOptions{ReadOnly: true}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}

	_, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/ro/f", sandboxfs.OpenWrite, 0)
	wantErrno(t, "open for write", err, sandboxfs.ErrReadOnly)
	wantErrno(t, "mkdir", v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/ro/d", 0o755), sandboxfs.ErrReadOnly)
	wantErrno(t, "unlink", v.PathUnlinkFile(ctx, sandboxfs.AtCWD, "/ro/f"), sandboxfs.ErrReadOnly)
	wantErrno(t, "chmod", v.PathChmod(ctx, sandboxfs.AtCWD, "/ro/f", 0o600), sandboxfs.ErrReadOnly)

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/ro/f", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("read-only open failed: %v", err)
	}
	v.FdClose(ctx, fd)
}

// Descriptors

func TestDupSharesOffset(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/f", "0123456789")

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/f", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	dup, err := v.FdDup(fd)
	if err != nil {
		t.Fatalf("failed to dup: %v", err)
	}
	other, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/f", sandboxfs.OpenRead, 0)
	if err != nil {
		t.Fatalf("failed to open again: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := v.FdRead(ctx, fd, buf); err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	n, _ := v.FdRead(ctx, dup, buf)
	if string(buf[:n]) != "4567" {
		t.Errorf("dup should continue at shared offset, got %q", buf[:n])
	}
	n, _ = v.FdRead(ctx, other, buf)
	if string(buf[:n]) != "0123" {
		t.Errorf("independent open should start at 0, got %q", buf[:n])
	}

	if err := v.FdClose(ctx, fd); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if off, err := v.FdTell(dup); err != nil || off != 8 {
		t.Errorf("dup should survive close of original at offset 8, got %d, %v", off, err)
	}
	_, err = v.FdRead(ctx, fd, buf)
	wantErrno(t, "read closed fd", err, sandboxfs.ErrBadDescriptor)

	v.FdClose(ctx, dup)
	v.FdClose(ctx, other)
	if n := v.Descriptions().Len(); n != 0 {
		t.Errorf("expected no open descriptions, got %d", n)
	}
}

func TestFdRenumber(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/a", "A")
	writeFile(t, v, "/b", "B")

	fa, _ := v.PathOpen(ctx, sandboxfs.AtCWD, "/a", sandboxfs.OpenRead, 0)
	fb, _ := v.PathOpen(ctx, sandboxfs.AtCWD, "/b", sandboxfs.OpenRead, 0)
	if err := v.FdRenumber(ctx, fa, fb); err != nil {
		t.Fatalf("failed to renumber: %v", err)
	}
	if got := readAll(t, v, fb); got != "A" {
		t.Errorf("expected fb to read /a, got %q", got)
	}
	_, err := v.FdTell(fa)
	wantErrno(t, "old number", err, sandboxfs.ErrBadDescriptor)
	v.FdClose(ctx, fb)
	if n := v.Descriptions().Len(); n != 0 {
		t.Errorf("renumber leaked a description: %d open", n)
	}
}

func TestAppendAndPositionalIO(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/log", "one\n")

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/log", sandboxfs.OpenAppend, 0)
	if err != nil {
		t.Fatalf("failed to open for append: %v", err)
	}
	defer v.FdClose(ctx, fd)
	if _, err := v.FdWrite(ctx, fd, []byte("two\n")); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if got := readFile(t, v, "/log"); got != "one\ntwo\n" {
		t.Errorf("expected appended content, got %q", got)
	}

	rw, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/log", sandboxfs.OpenRead|sandboxfs.OpenWrite, 0)
	if err != nil {
		t.Fatalf("failed to open rw: %v", err)
	}
	defer v.FdClose(ctx, rw)
	if _, err := v.FdPwrite(ctx, rw, []byte("ONE"), 0); err != nil {
		t.Fatalf("failed to pwrite: %v", err)
	}
	if off, _ := v.FdTell(rw); off != 0 {
		t.Errorf("pwrite moved offset to %d", off)
	}
	buf := make([]byte, 3)
	if n, err := v.FdPread(ctx, rw, buf, 4); err != nil || string(buf[:n]) != "two" {
		t.Errorf("pread: got %q, %v", buf[:n], err)
	}
	end, err := v.FdSeek(ctx, rw, 0, io.SeekEnd)
	if err != nil || end != 8 {
		t.Errorf("seek end: got %d, %v", end, err)
	}
	_, err = v.FdSeek(ctx, rw, -100, io.SeekCurrent)
	wantErrno(t, "seek before start", err, sandboxfs.ErrInvalid)
}

func TestWriteReadRoundTripSameDescription(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/rt", sandboxfs.OpenRead|sandboxfs.OpenWrite|sandboxfs.OpenCreate, 0o644)
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	defer v.FdClose(ctx, fd)

	payload := bytes.Repeat([]byte("abcdefgh"), 1000)
	if _, err := v.FdPwrite(ctx, fd, payload, 100); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	got := make([]byte, len(payload))
	n, err := v.FdPread(ctx, fd, got, 100)
	if err != nil || n != len(payload) || !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: n=%d err=%v", n, err)
	}
	st, _ := v.FdFilestatGet(ctx, fd)
	if st.Size != int64(100+len(payload)) {
		t.Errorf("expected size %d, got %d", 100+len(payload), st.Size)
	}
}

func TestOpenFlagValidation(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/dir")
	writeFile(t, v, "/file", "x")

	_, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/dir", sandboxfs.OpenWrite, 0)
	wantErrno(t, "write-open dir", err, sandboxfs.ErrIsADirectory)
	_, err = v.PathOpen(ctx, sandboxfs.AtCWD, "/file", sandboxfs.OpenDirectory, 0)
	wantErrno(t, "O_DIRECTORY on file", err, sandboxfs.ErrNotADirectory)
	_, err = v.PathOpen(ctx, sandboxfs.AtCWD, "/file", sandboxfs.OpenRead|sandboxfs.OpenTruncate, 0)
	wantErrno(t, "truncate read-only", err, sandboxfs.ErrInvalid)
	_, err = v.PathOpen(ctx, sandboxfs.AtCWD, "/missing", sandboxfs.OpenRead, 0)
	wantErrno(t, "open missing", err, sandboxfs.ErrNotFound)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected errors.Is(err, fs.ErrNotExist) for %v", err)
	}
	var pe *fs.PathError
	if !errors.As(err, &pe) || pe.Path != "/missing" {
		t.Errorf("expected *fs.PathError for /missing, got %T", err)
	}
}

// Directory listing

func TestReaddirCookies(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/d")
	for _, n := range []string{"a", "b", "c", "d"} {
		writeFile(t, v, "/d/"+n, n)
	}

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/d", sandboxfs.OpenDirectory, 0)
	if err != nil {
		t.Fatalf("failed to open dir: %v", err)
	}
	defer v.FdClose(ctx, fd)

	first, err := v.FdReaddir(ctx, fd, 0, 4)
	if err != nil {
		t.Fatalf("failed to readdir: %v", err)
	}
	if len(first) != 4 || first[0].Name != "." || first[1].Name != ".." || first[2].Name != "a" || first[3].Name != "b" {
		t.Fatalf("unexpected first batch %+v", first)
	}

	// Mutate behind the cursor: drop an emitted name, add a later one.
	if err := v.PathUnlinkFile(ctx, sandboxfs.AtCWD, "/d/a"); err != nil {
		t.Fatalf("failed to unlink: %v", err)
	}
	writeFile(t, v, "/d/e", "e")

	rest, err := v.FdReaddir(ctx, fd, first[3].Next, 10)
	if err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	var names []string
	for _, e := range rest {
		names = append(names, e.Name)
	}
	if len(names) != 3 || names[0] != "c" || names[1] != "d" || names[2] != "e" {
		t.Errorf("expected [c d e] after cookie, got %v", names)
	}

	// Resuming from an older cookie repeats from that point.
	again, err := v.FdReaddir(ctx, fd, first[2].Next, 1)
	if err != nil || len(again) != 1 || again[0].Name != "b" {
		t.Errorf("expected b after cookie of a, got %+v, %v", again, err)
	}

	_, err = v.FdReaddir(ctx, fd, 9999, 1)
	wantErrno(t, "unknown cookie", err, sandboxfs.ErrInvalid)

	entry := stat(t, v, "/d/c", true)
	for _, e := range rest {
		if e.Name == "c" && e.Ino != entry.Ino {
			t.Errorf("dirent inode %d does not match stat %d", e.Ino, entry.Ino)
		}
	}
}

func TestReaddirShowsMountRoot(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/m")
	if err := v.Mount(ctx, "/m", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/", sandboxfs.OpenDirectory, 0)
	if err != nil {
		t.Fatalf("failed to open root: %v", err)
	}
	defer v.FdClose(ctx, fd)
	ents, err := v.FdReaddir(ctx, fd, 0, 0)
	if err != nil {
		t.Fatalf("failed to readdir: %v", err)
	}
	mountRoot := stat(t, v, "/m", true)
	found := false
	for _, e := range ents {
		if e.Name == "m" {
			found = true
			if e.Ino != mountRoot.Ino {
				t.Errorf("expected mount point entry to report the mount root")
			}
		}
	}
	if !found {
		t.Errorf("mount point missing from listing")
	}
}

// Metadata

func TestSetTimesAndChmod(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	writeFile(t, v, "/f", "x")

	when := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := v.PathFilestatSetTimes(ctx, sandboxfs.AtCWD, "/f", &when, &when, true); err != nil {
		t.Fatalf("failed to set times: %v", err)
	}
	st := stat(t, v, "/f", true)
	if !st.Mtime.Equal(when) || !st.Atime.Equal(when) {
		t.Errorf("expected times %v, got atime %v mtime %v", when, st.Atime, st.Mtime)
	}

	if err := v.PathChmod(ctx, sandboxfs.AtCWD, "/f", 0o600|fs.ModeSetuid); err != nil {
		t.Fatalf("failed to chmod: %v", err)
	}
	st = stat(t, v, "/f", true)
	if st.Mode != 0o600|fs.ModeSetuid {
		t.Errorf("expected mode %v, got %v", 0o600|fs.ModeSetuid, st.Mode)
	}
	if !st.FileMode().IsRegular() {
		t.Errorf("expected regular file mode, got %v", st.FileMode())
	}
}

func TestPermissionChecks(t *testing.T) {
	ctx := context.Background()
	v := sandboxfs.New(sandboxfs.WithCredentials(sandboxfs.Credentials{Uid: 1000, Gid: 1000}))
	backing := mem.New()
	if _, err := backing.Mkdir(ctx, backing.Root(), "locked", sandboxfs.NodeSpec{Mode: 0o700}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if _, err := backing.Mkdir(ctx, backing.Root(), "home", sandboxfs.NodeSpec{Mode: 0o755, Uid: 1000, Gid: 1000}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if err := v.Mount(ctx, "/", backing, sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}

	wantErrno(t, "mkdir under root-owned dir", v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/locked/x", 0o755), sandboxfs.ErrPermissionDenied)
	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/locked/x", true)
	wantErrno(t, "traverse 0700 dir", err, sandboxfs.ErrPermissionDenied)

	writeFile(t, v, "/home/mine", "ok")
	if st := stat(t, v, "/home/mine", true); st.Uid != 1000 || st.Gid != 1000 {
		t.Errorf("expected new file owned by caller, got %d:%d", st.Uid, st.Gid)
	}
	wantErrno(t, "chown as non-root", v.PathChown(ctx, sandboxfs.AtCWD, "/home/mine", 0, -1, true), sandboxfs.ErrPermissionDenied)
	wantErrno(t, "chmod foreign dir", v.PathChmod(ctx, sandboxfs.AtCWD, "/locked", 0o777), sandboxfs.ErrPermissionDenied)
}

func TestCanceledContext(t *testing.T) {
	v := newVFS(t)
	writeFile(t, v, "/f", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/f", true)
	wantErrno(t, "stat with canceled context", err, sandboxfs.ErrCanceled)
}

func TestMaxInodes(t *testing.T) {
	ctx := context.Background()
	v := sandboxfs.New(sandboxfs.WithMaxInodes(3))
	if err := v.Mount(ctx, "/", mem.New(), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	writeFile(t, v, "/a", "")
	writeFile(t, v, "/b", "")
	_, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/c", sandboxfs.OpenWrite|sandboxfs.OpenCreate, 0o644)
	wantErrno(t, "create beyond inode bound", err, sandboxfs.ErrNoSpace)
}

func TestMknod(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	if err := v.PathMknod(ctx, sandboxfs.AtCWD, "/pipe", sandboxfs.TypeFifo, 0o640, 99); err != nil {
		t.Fatalf("failed to mknod fifo: %v", err)
	}
	st := stat(t, v, "/pipe", false)
	if st.Type != sandboxfs.TypeFifo || st.Rdev != 0 {
		t.Errorf("expected fifo with rdev 0, got %v rdev %d", st.Type, st.Rdev)
	}
	if st.FileMode()&fs.ModeNamedPipe == 0 {
		t.Errorf("expected named pipe mode, got %v", st.FileMode())
	}

	if err := v.PathMknod(ctx, sandboxfs.AtCWD, "/null", sandboxfs.TypeCharDevice, 0o666, 0x103); err != nil {
		t.Fatalf("failed to mknod char device: %v", err)
	}
	if st := stat(t, v, "/null", false); st.Rdev != 0x103 {
		t.Errorf("expected rdev 0x103, got %#x", st.Rdev)
	}

	wantErrno(t, "mknod existing", v.PathMknod(ctx, sandboxfs.AtCWD, "/pipe", sandboxfs.TypeFifo, 0o640, 0), sandboxfs.ErrAlreadyExists)
	wantErrno(t, "mknod regular", v.PathMknod(ctx, sandboxfs.AtCWD, "/r", sandboxfs.TypeRegular, 0o640, 0), sandboxfs.ErrInvalid)

	caps := sandboxfs.AllNative()
	caps.DeviceNodes = sandboxfs.Unsupported
	if err := v.PathCreateDirectory(ctx, sandboxfs.AtCWD, "/nodev", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := v.Mount(ctx, "/nodev", mem.New(mem.WithCapabilities(caps)), sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}
	wantErrno(t, "mknod without device support", v.PathMknod(ctx, sandboxfs.AtCWD, "/nodev/null", sandboxfs.TypeCharDevice, 0o666, 0x103), sandboxfs.ErrNotSupported)
	if err := v.PathMknod(ctx, sandboxfs.AtCWD, "/nodev/pipe", sandboxfs.TypeFifo, 0o640, 0); err != nil {
		t.Errorf("expected fifo without device support, got %v", err)
	}
}

// Readers of a path that is repeatedly replaced by rename see either the
// old file or the new one, never an error or a partial file.
func TestRenameOntoPathWhileReading(t *testing.T) {
	tests := []struct {
		name string
		root func(t *testing.T) sandboxfs.Backend
	}{
		{"mem", func(t *testing.T) sandboxfs.Backend { return mem.New() }},
		{"overlay", func(t *testing.T) sandboxfs.Backend {
			ctx := context.Background()
			lower := mem.New()
			seed := sandboxfs.New()
			if err := seed.Mount(ctx, "/", lower, sandboxfs.MountOptions{}); err != nil {
				t.Fatalf("failed to mount lower: %v", err)
			}
			writeFile(t, seed, "/dst", strings.Repeat("0", 64))
			seed.Close(ctx)

			o, err := overlay.New(ctx, overlay.WithUpper(mem.New()), overlay.WithLower(lower))
			if err != nil {
				t.Fatalf("failed to create overlay: %v", err)
			}
			return o
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			v := sandboxfs.New()
			defer v.Close(ctx)
			if err := v.Mount(ctx, "/", tt.root(t), sandboxfs.MountOptions{}); err != nil {
				t.Fatalf("failed to mount root: %v", err)
			}
			if tt.name == "mem" {
				writeFile(t, v, "/dst", strings.Repeat("0", 64))
			}

			whole := func(data []byte) bool {
				return len(data) == 64 && bytes.Count(data, data[:1]) == 64
			}

			const readers = 4
			var stop atomic.Bool
			var wg sync.WaitGroup
			errs := make(chan error, readers)
			for i := 0; i < readers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					buf := make([]byte, 128)
					for !stop.Load() {
						if _, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/dst", true); err != nil {
							errs <- err
							return
						}
						if _, err := v.Resolve(ctx, sandboxfs.AtCWD, "/dst", sandboxfs.FollowFinal); err != nil {
							errs <- err
							return
						}
						if err := v.PathChmod(ctx, sandboxfs.AtCWD, "/dst", 0o644); err != nil {
							errs <- err
							return
						}
						fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/dst", sandboxfs.OpenRead, 0)
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
						if !whole(buf[:n]) {
							errs <- fmt.Errorf("read partial content %q", buf[:n])
							return
						}
					}
				}()
			}

			var renameErr error
			for i := 0; i < 300 && renameErr == nil; i++ {
				tmp := fmt.Sprintf("/tmp%d", i)
				writeFile(t, v, tmp, strings.Repeat(string(rune('a'+i%26)), 64))
				renameErr = v.PathRename(ctx, sandboxfs.AtCWD, tmp, sandboxfs.AtCWD, "/dst")
			}
			stop.Store(true)
			wg.Wait()
			close(errs)

			if renameErr != nil {
				t.Fatalf("failed to rename: %v", renameErr)
			}
			for err := range errs {
				t.Errorf("reader: %v", err)
			}
		})
	}
}

// vanishingBackend lists entries without handles and removes one name
// right after the first listing, as a concurrent unlink would.
type vanishingBackend struct {
	*mem.Backend
	victim string
	once   sync.Once
}

func (b *vanishingBackend) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	entries, err := b.Backend.ReadDir(ctx, dir, after, max)
	for i := range entries {
		entries[i].Handle = 0
	}
	b.once.Do(func() { b.Backend.Unlink(ctx, dir, b.victim) })
	return entries, err
}

func TestReaddirSkipsEntriesRemovedMidListing(t *testing.T) {
	ctx := context.Background()
	b := &vanishingBackend{Backend: mem.New(), victim: "b"}
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := b.Backend.Create(ctx, b.Root(), name, sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o644}); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}
	v := sandboxfs.New()
	defer v.Close(ctx)
	if err := v.Mount(ctx, "/", b, sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount root: %v", err)
	}

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/", sandboxfs.OpenDirectory, 0)
	if err != nil {
		t.Fatalf("failed to open root: %v", err)
	}
	defer v.FdClose(ctx, fd)

	dots, err := v.FdReaddir(ctx, fd, 0, 2)
	if err != nil || len(dots) != 2 {
		t.Fatalf("expected . and .., got %+v, %v", dots, err)
	}
	var names []string
	cookie := dots[1].Next
	for {
		batch, err := v.FdReaddir(ctx, fd, cookie, 2)
		if err != nil {
			t.Fatalf("failed to readdir: %v", err)
		}
		for _, e := range batch {
			names = append(names, e.Name)
		}
		if len(batch) < 2 {
			break
		}
		cookie = batch[len(batch)-1].Next
	}
	if strings.Join(names, " ") != "a c d" {
		t.Errorf("expected [a c d], got %v", names)
	}
}

// blockingOpenBackend parks Open until released.
type blockingOpenBackend struct {
	*mem.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingOpenBackend) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Backend.Open(ctx, h, flags)
}

func TestUnmountBusyWhileOpenInProgress(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	mkdir(t, v, "/m")

	b := &blockingOpenBackend{
		Backend: mem.New(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	if _, err := b.Backend.Create(ctx, b.Root(), "f", sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o644}); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if err := v.Mount(ctx, "/m", b, sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount: %v", err)
	}

	type result struct {
		fd  sandboxfs.FD
		err error
	}
	done := make(chan result, 1)
	go func() {
		fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/m/f", sandboxfs.OpenRead, 0)
		done <- result{fd, err}
	}()

	<-b.entered
	wantErrno(t, "unmount during open", v.Unmount(ctx, "/m"), sandboxfs.ErrBusy)
	close(b.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("failed to open: %v", res.err)
	}
	if _, err := v.FdFilestatGet(ctx, res.fd); err != nil {
		t.Errorf("descriptor unusable after refused unmount: %v", err)
	}
	if err := v.FdClose(ctx, res.fd); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := v.Unmount(ctx, "/m"); err != nil {
		t.Errorf("failed to unmount after close: %v", err)
	}
}

func TestNegativeEntryDroppedWhenDirectoryChanges(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	// Entries never expire, so only the directory generation can drop them.
	v := sandboxfs.New(sandboxfs.WithDentryConfig(sandboxfs.DentryConfig{Enabled: true}))
	defer v.Close(ctx)
	if err := v.Mount(ctx, "/", b, sandboxfs.MountOptions{}); err != nil {
		t.Fatalf("failed to mount root: %v", err)
	}

	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/late", false)
	wantErrno(t, "stat before create", err, sandboxfs.ErrNotFound)
	_, err = v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/late", false)
	wantErrno(t, "cached miss", err, sandboxfs.ErrNotFound)

	if _, err := b.Create(ctx, b.Root(), "late", sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o644}); err != nil {
		t.Fatalf("failed to create behind the vfs: %v", err)
	}
	if _, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/late", false); err != nil {
		t.Errorf("name created behind the vfs stays hidden: %v", err)
	}
}
