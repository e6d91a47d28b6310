// Package backendtest is a conformance suite for sandboxfs backends.
//
//	func TestConformance(t *testing.T) {
//	    suite := &backendtest.Suite{
//	        New: func(t *testing.T) sandboxfs.Backend { return mem.New() },
//	        Features: backendtest.Features{OpenUnlinked: true},
//	    }
//	    suite.Run(t)
//	}
//
// Capability-dependent cases run only when the backend declares the
// capability; Features narrows the rest.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/absfs/sandboxfs"
)

// Features select optional behavior the suite checks.
type Features struct {
	// OpenUnlinked: a handle stays readable between Unlink and Release.
	OpenUnlinked bool
	// Timestamps: Setattr stores atime and mtime with at least
	// microsecond precision.
	Timestamps bool
	// DirGen: directory Gen changes when entries change.
	DirGen bool
}

// Suite runs the conformance cases against fresh backends.
type Suite struct {
	New      func(t *testing.T) sandboxfs.Backend
	Features Features
}

// Run runs every case as a subtest.
func (s *Suite) Run(t *testing.T) {
	cases := []struct {
		name string
		fn   func(t *testing.T, b sandboxfs.Backend)
	}{
		{"CreateLookup", s.testCreateLookup},
		{"MkdirRmdir", s.testMkdirRmdir},
		{"UnlinkTypes", s.testUnlinkTypes},
		{"ReadWrite", s.testReadWrite},
		{"SparseWrite", s.testSparseWrite},
		{"Truncate", s.testTruncate},
		{"ReadDirCursor", s.testReadDirCursor},
		{"ReadDirConcurrentMutation", s.testReadDirMutation},
		{"Rename", s.testRename},
		{"RenameDirectory", s.testRenameDirectory},
		{"Hardlinks", s.testHardlinks},
		{"Symlinks", s.testSymlinks},
		{"Setattr", s.testSetattr},
		{"Xattrs", s.testXattrs},
		{"OpenUnlinked", s.testOpenUnlinked},
		{"DirGen", s.testDirGen},
		{"InvalidNames", s.testInvalidNames},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := s.New(t)
			c.fn(t, b)
		})
	}
}

// Helpers

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return c
}

func wantErrno(t *testing.T, what string, err error, want sandboxfs.Errno) {
	t.Helper()
	if got := sandboxfs.ErrnoOf(err); got != want {
		t.Fatalf("%s: expected %v, got %v (%v)", what, want, got, err)
	}
}

func must(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed to %s: %v", what, err)
	}
}

func spec(typ sandboxfs.FileType, mode uint32) sandboxfs.NodeSpec {
	return sandboxfs.NodeSpec{Type: typ, Mode: fs.FileMode(mode)}
}

func createFile(t *testing.T, b sandboxfs.Backend, dir sandboxfs.Handle, name string, data []byte) sandboxfs.Handle {
	t.Helper()
	c := ctx(t)
	h, err := b.Create(c, dir, name, spec(sandboxfs.TypeRegular, 0o644))
	must(t, "create "+name, err)
	if len(data) > 0 {
		must(t, "open "+name, b.Open(c, h, sandboxfs.OpenWrite))
		n, err := b.Write(c, h, data, 0)
		must(t, "write "+name, err)
		if n != len(data) {
			t.Fatalf("short write to %s: %d of %d", name, n, len(data))
		}
		must(t, "release "+name, b.Release(c, h))
	}
	return h
}

func readAll(t *testing.T, b sandboxfs.Backend, h sandboxfs.Handle) []byte {
	t.Helper()
	c := ctx(t)
	must(t, "open for read", b.Open(c, h, sandboxfs.OpenRead))
	defer b.Release(c, h)

	var out []byte
	buf := make([]byte, 4096)
	var off int64
	for {
		n, err := b.Read(c, h, buf, off)
		out = append(out, buf[:n]...)
		off += int64(n)
		if err == io.EOF || (err == nil && n == 0) {
			return out
		}
		must(t, "read", err)
	}
}

func listAll(t *testing.T, b sandboxfs.Backend, dir sandboxfs.Handle) []string {
	t.Helper()
	var names []string
	after := ""
	for {
		batch, err := b.ReadDir(ctx(t), dir, after, 3)
		must(t, "readdir", err)
		if len(batch) == 0 {
			return names
		}
		for _, e := range batch {
			names = append(names, e.Name)
		}
		after = batch[len(batch)-1].Name
	}
}

// Cases

func (s *Suite) testCreateLookup(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	root := b.Root()

	h := createFile(t, b, root, "file.txt", nil)
	got, err := b.Lookup(c, root, "file.txt")
	must(t, "lookup file.txt", err)
	if got != h {
		t.Errorf("lookup returned handle %d, create returned %d", got, h)
	}

	attr, err := b.Getattr(c, h)
	must(t, "getattr", err)
	if attr.Type != sandboxfs.TypeRegular {
		t.Errorf("expected regular file, got %v", attr.Type)
	}
	if attr.Size != 0 {
		t.Errorf("expected empty file, got size %d", attr.Size)
	}

	_, err = b.Create(c, root, "file.txt", spec(sandboxfs.TypeRegular, 0o644))
	wantErrno(t, "create existing", err, sandboxfs.ErrAlreadyExists)

	_, err = b.Lookup(c, root, "missing")
	wantErrno(t, "lookup missing", err, sandboxfs.ErrNotFound)

	_, err = b.Lookup(c, h, "child")
	wantErrno(t, "lookup under file", err, sandboxfs.ErrNotADirectory)
}

func (s *Suite) testMkdirRmdir(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	root := b.Root()

	d, err := b.Mkdir(c, root, "dir", spec(sandboxfs.TypeDirectory, 0o755))
	must(t, "mkdir", err)
	attr, err := b.Getattr(c, d)
	must(t, "getattr dir", err)
	if attr.Type != sandboxfs.TypeDirectory {
		t.Fatalf("expected directory, got %v", attr.Type)
	}

	_, err = b.Mkdir(c, root, "dir", spec(sandboxfs.TypeDirectory, 0o755))
	wantErrno(t, "mkdir existing", err, sandboxfs.ErrAlreadyExists)

	parent, err := b.Lookup(c, d, "..")
	must(t, "lookup ..", err)
	if parent != root {
		t.Errorf("expected .. of dir to be root %d, got %d", root, parent)
	}

	createFile(t, b, d, "inner", []byte("x"))
	wantErrno(t, "rmdir non-empty", b.Rmdir(c, root, "dir"), sandboxfs.ErrNotEmpty)

	must(t, "unlink inner", b.Unlink(c, d, "inner"))
	must(t, "rmdir", b.Rmdir(c, root, "dir"))

	_, err = b.Lookup(c, root, "dir")
	wantErrno(t, "lookup removed dir", err, sandboxfs.ErrNotFound)
	wantErrno(t, "rmdir missing", b.Rmdir(c, root, "dir"), sandboxfs.ErrNotFound)
}

func (s *Suite) testUnlinkTypes(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	root := b.Root()

	_, err := b.Mkdir(c, root, "dir", spec(sandboxfs.TypeDirectory, 0o755))
	must(t, "mkdir", err)
	createFile(t, b, root, "file", nil)

	wantErrno(t, "unlink dir", b.Unlink(c, root, "dir"), sandboxfs.ErrIsADirectory)
	wantErrno(t, "rmdir file", b.Rmdir(c, root, "file"), sandboxfs.ErrNotADirectory)
	wantErrno(t, "unlink missing", b.Unlink(c, root, "missing"), sandboxfs.ErrNotFound)
}

func (s *Suite) testReadWrite(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	h := createFile(t, b, b.Root(), "data", []byte("hello world"))

	if got := readAll(t, b, h); string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}

	must(t, "open", b.Open(c, h, sandboxfs.OpenRead|sandboxfs.OpenWrite))
	defer b.Release(c, h)

	_, err := b.Write(c, h, []byte("WORLD"), 6)
	must(t, "overwrite", err)

	buf := make([]byte, 5)
	n, err := b.Read(c, h, buf, 6)
	if err != nil && err != io.EOF {
		t.Fatalf("failed to read back: %v", err)
	}
	if string(buf[:n]) != "WORLD" {
		t.Errorf("expected WORLD, got %q", buf[:n])
	}

	n, err = b.Read(c, h, buf, 100)
	if n != 0 || err != io.EOF {
		t.Errorf("read past end: expected 0, io.EOF; got %d, %v", n, err)
	}

	attr, err := b.Getattr(c, h)
	must(t, "getattr", err)
	if attr.Size != 11 {
		t.Errorf("expected size 11, got %d", attr.Size)
	}
}

func (s *Suite) testSparseWrite(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	h := createFile(t, b, b.Root(), "sparse", nil)

	must(t, "open", b.Open(c, h, sandboxfs.OpenWrite))
	_, err := b.Write(c, h, []byte("end"), 100000)
	must(t, "write past end", err)
	must(t, "release", b.Release(c, h))

	data := readAll(t, b, h)
	if len(data) != 100003 {
		t.Fatalf("expected 100003 bytes, got %d", len(data))
	}
	if !bytes.Equal(data[:100000], make([]byte, 100000)) {
		t.Errorf("hole does not read as zeros")
	}
	if string(data[100000:]) != "end" {
		t.Errorf("expected tail %q, got %q", "end", data[100000:])
	}
}

func (s *Suite) testTruncate(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	h := createFile(t, b, b.Root(), "trunc", []byte("0123456789"))

	must(t, "open", b.Open(c, h, sandboxfs.OpenWrite))
	must(t, "shrink", b.Truncate(c, h, 4))
	must(t, "release", b.Release(c, h))
	if got := readAll(t, b, h); string(got) != "0123" {
		t.Fatalf("after shrink expected %q, got %q", "0123", got)
	}

	must(t, "open", b.Open(c, h, sandboxfs.OpenWrite))
	must(t, "extend", b.Truncate(c, h, 8))
	must(t, "release", b.Release(c, h))
	got := readAll(t, b, h)
	if !bytes.Equal(got, []byte("0123\x00\x00\x00\x00")) {
		t.Fatalf("after extend expected zero fill, got %q", got)
	}
}

func (s *Suite) testReadDirCursor(t *testing.T, b sandboxfs.Backend) {
	root := b.Root()
	want := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, name := range []string{"d", "a", "g", "c", "f", "b", "e"} {
		createFile(t, b, root, name, nil)
	}

	got := listAll(t, b, root)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	batch, err := b.ReadDir(ctx(t), root, "c", 2)
	must(t, "readdir after c", err)
	if len(batch) != 2 || batch[0].Name != "d" || batch[1].Name != "e" {
		t.Errorf("expected [d e] after c, got %v", batch)
	}
	for _, e := range batch {
		if e.Type != sandboxfs.TypeRegular {
			t.Errorf("entry %s: expected regular, got %v", e.Name, e.Type)
		}
	}
}

func (s *Suite) testReadDirMutation(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	root := b.Root()
	for _, name := range []string{"a", "b", "c", "d"} {
		createFile(t, b, root, name, nil)
	}

	first, err := b.ReadDir(c, root, "", 2)
	must(t, "first page", err)
	if len(first) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(first))
	}

	// Remove an already-listed name and add one that sorts later.
	must(t, "unlink a", b.Unlink(c, root, "a"))
	createFile(t, b, root, "e", nil)

	var rest []string
	after := first[len(first)-1].Name
	for {
		batch, err := b.ReadDir(c, root, after, 2)
		must(t, "next page", err)
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			rest = append(rest, e.Name)
		}
		after = batch[len(batch)-1].Name
	}
	if fmt.Sprint(rest) != "[c d e]" {
		t.Errorf("expected [c d e] after cursor, got %v", rest)
	}
}

func (s *Suite) testRename(t *testing.T, b sandboxfs.Backend) {
	if !b.Capabilities().AtomicRename.Available() {
		t.Skip("rename unsupported")
	}
	c := ctx(t)
	root := b.Root()

	createFile(t, b, root, "src", []byte("new"))
	createFile(t, b, root, "dst", []byte("old"))

	wantErrno(t, "rename noreplace", b.Rename(c, root, "src", root, "dst", sandboxfs.RenameNoReplace), sandboxfs.ErrAlreadyExists)

	must(t, "rename over file", b.Rename(c, root, "src", root, "dst", 0))
	_, err := b.Lookup(c, root, "src")
	wantErrno(t, "lookup old name", err, sandboxfs.ErrNotFound)
	h, err := b.Lookup(c, root, "dst")
	must(t, "lookup new name", err)
	if got := readAll(t, b, h); string(got) != "new" {
		t.Errorf("expected replaced content %q, got %q", "new", got)
	}

	_, err = b.Mkdir(c, root, "dir", spec(sandboxfs.TypeDirectory, 0o755))
	must(t, "mkdir", err)
	wantErrno(t, "rename file over dir", b.Rename(c, root, "dst", root, "dir", 0), sandboxfs.ErrIsADirectory)
	wantErrno(t, "rename dir over file", b.Rename(c, root, "dir", root, "dst", 0), sandboxfs.ErrNotADirectory)
	wantErrno(t, "rename missing", b.Rename(c, root, "missing", root, "x", 0), sandboxfs.ErrNotFound)

	dir, err := b.Lookup(c, root, "dir")
	must(t, "lookup dir", err)
	must(t, "rename into dir", b.Rename(c, root, "dst", dir, "moved", 0))
	if _, err := b.Lookup(c, dir, "moved"); err != nil {
		t.Errorf("moved file not found in dir: %v", err)
	}
}

func (s *Suite) testRenameDirectory(t *testing.T, b sandboxfs.Backend) {
	if !b.Capabilities().AtomicRename.Available() {
		t.Skip("rename unsupported")
	}
	c := ctx(t)
	root := b.Root()

	a, err := b.Mkdir(c, root, "a", spec(sandboxfs.TypeDirectory, 0o755))
	must(t, "mkdir a", err)
	createFile(t, b, a, "f", []byte("x"))
	full, err := b.Mkdir(c, root, "full", spec(sandboxfs.TypeDirectory, 0o755))
	must(t, "mkdir full", err)
	createFile(t, b, full, "g", nil)
	_, err = b.Mkdir(c, root, "empty", spec(sandboxfs.TypeDirectory, 0o755))
	must(t, "mkdir empty", err)

	wantErrno(t, "rename over non-empty dir", b.Rename(c, root, "a", root, "full", 0), sandboxfs.ErrNotEmpty)
	wantErrno(t, "rename into own subtree", b.Rename(c, root, "a", a, "sub", 0), sandboxfs.ErrInvalid)

	must(t, "rename over empty dir", b.Rename(c, root, "a", root, "empty", 0))
	moved, err := b.Lookup(c, root, "empty")
	must(t, "lookup renamed dir", err)
	if _, err := b.Lookup(c, moved, "f"); err != nil {
		t.Errorf("child lost across directory rename: %v", err)
	}
	parent, err := b.Lookup(c, moved, "..")
	must(t, "lookup ..", err)
	if parent != root {
		t.Errorf("expected .. to be root after rename")
	}
}

func (s *Suite) testHardlinks(t *testing.T, b sandboxfs.Backend) {
	if b.Capabilities().Hardlinks != sandboxfs.Native {
		t.Skip("hardlinks not native")
	}
	c := ctx(t)
	root := b.Root()

	h := createFile(t, b, root, "a", []byte("shared"))
	must(t, "link", b.Link(c, h, root, "b"))

	hb, err := b.Lookup(c, root, "b")
	must(t, "lookup b", err)
	attr, err := b.Getattr(c, hb)
	must(t, "getattr b", err)
	if attr.Nlink != 2 {
		t.Errorf("expected nlink 2, got %d", attr.Nlink)
	}
	aattr, err := b.Getattr(c, h)
	must(t, "getattr a", err)
	if aattr.Ino != attr.Ino {
		t.Errorf("hardlinks report different inode numbers %d and %d", aattr.Ino, attr.Ino)
	}

	wantErrno(t, "link existing", b.Link(c, h, root, "b"), sandboxfs.ErrAlreadyExists)

	must(t, "unlink a", b.Unlink(c, root, "a"))
	attr, err = b.Getattr(c, hb)
	must(t, "getattr b after unlink", err)
	if attr.Nlink != 1 {
		t.Errorf("expected nlink 1, got %d", attr.Nlink)
	}
	if got := readAll(t, b, hb); string(got) != "shared" {
		t.Errorf("expected %q through remaining link, got %q", "shared", got)
	}
}

func (s *Suite) testSymlinks(t *testing.T, b sandboxfs.Backend) {
	if !b.Capabilities().Symlinks.Available() {
		t.Skip("symlinks unsupported")
	}
	c := ctx(t)
	root := b.Root()

	h, err := b.Symlink(c, root, "link", "../some/where", spec(sandboxfs.TypeSymlink, 0o777))
	must(t, "symlink", err)
	target, err := b.Readlink(c, h)
	must(t, "readlink", err)
	if target != "../some/where" {
		t.Errorf("expected target %q, got %q", "../some/where", target)
	}
	attr, err := b.Getattr(c, h)
	must(t, "getattr link", err)
	if attr.Type != sandboxfs.TypeSymlink {
		t.Errorf("expected symlink, got %v", attr.Type)
	}

	f := createFile(t, b, root, "file", nil)
	_, err = b.Readlink(c, f)
	wantErrno(t, "readlink on file", err, sandboxfs.ErrInvalid)

	_, err = b.Symlink(c, root, "link", "x", spec(sandboxfs.TypeSymlink, 0o777))
	wantErrno(t, "symlink existing", err, sandboxfs.ErrAlreadyExists)
}

func (s *Suite) testSetattr(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	h := createFile(t, b, b.Root(), "meta", nil)

	if b.Capabilities().PosixPermissions.Available() {
		mode := fs.FileMode(0o600)
		attr, err := b.Setattr(c, h, sandboxfs.SetAttr{Mode: &mode})
		must(t, "chmod", err)
		if attr.Mode.Perm() != 0o600 {
			t.Errorf("expected mode 0600, got %v", attr.Mode)
		}
	}

	if s.Features.Timestamps {
		when := time.Date(2020, 1, 2, 3, 4, 5, 6000, time.UTC)
		_, err := b.Setattr(c, h, sandboxfs.SetAttr{Atime: &when, Mtime: &when})
		must(t, "set times", err)
		attr, err := b.Getattr(c, h)
		must(t, "getattr", err)
		if !attr.Mtime.Equal(when) {
			t.Errorf("expected mtime %v, got %v", when, attr.Mtime)
		}
	}
}

func (s *Suite) testXattrs(t *testing.T, b sandboxfs.Backend) {
	if !b.Capabilities().Xattrs.Available() {
		t.Skip("xattrs unsupported")
	}
	c := ctx(t)
	h := createFile(t, b, b.Root(), "x", nil)

	must(t, "setxattr", b.SetXattr(c, h, "user.k", []byte("v")))
	v, err := b.GetXattr(c, h, "user.k")
	must(t, "getxattr", err)
	if string(v) != "v" {
		t.Errorf("expected %q, got %q", "v", v)
	}
	names, err := b.ListXattr(c, h)
	must(t, "listxattr", err)
	found := false
	for _, n := range names {
		if n == "user.k" {
			found = true
		}
	}
	if !found {
		t.Errorf("user.k missing from %v", names)
	}
	must(t, "removexattr", b.RemoveXattr(c, h, "user.k"))
	_, err = b.GetXattr(c, h, "user.k")
	if err == nil {
		t.Errorf("expected error after removexattr")
	}
}

func (s *Suite) testOpenUnlinked(t *testing.T, b sandboxfs.Backend) {
	if !s.Features.OpenUnlinked {
		t.Skip("not claimed")
	}
	c := ctx(t)
	root := b.Root()
	h := createFile(t, b, root, "ghost", []byte("boo"))

	must(t, "open", b.Open(c, h, sandboxfs.OpenRead))
	must(t, "unlink", b.Unlink(c, root, "ghost"))

	buf := make([]byte, 8)
	n, err := b.Read(c, h, buf, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("read after unlink: %v", err)
	}
	if string(buf[:n]) != "boo" {
		t.Errorf("expected %q after unlink, got %q", "boo", buf[:n])
	}
	must(t, "release", b.Release(c, h))
	b.Forget(h)

	_, err = b.Lookup(c, root, "ghost")
	wantErrno(t, "lookup unlinked", err, sandboxfs.ErrNotFound)
}

func (s *Suite) testDirGen(t *testing.T, b sandboxfs.Backend) {
	if !s.Features.DirGen {
		t.Skip("not claimed")
	}
	c := ctx(t)
	root := b.Root()

	before, err := b.Getattr(c, root)
	must(t, "getattr", err)
	createFile(t, b, root, "bump", nil)
	after, err := b.Getattr(c, root)
	must(t, "getattr", err)
	if before.Gen == after.Gen {
		t.Errorf("directory generation did not change on create")
	}
}

func (s *Suite) testInvalidNames(t *testing.T, b sandboxfs.Backend) {
	c := ctx(t)
	root := b.Root()
	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err := b.Create(c, root, name, spec(sandboxfs.TypeRegular, 0o644))
		if err == nil {
			t.Errorf("create %q: expected error", name)
			continue
		}
		if k := sandboxfs.ErrnoOf(err); k != sandboxfs.ErrInvalid && k != sandboxfs.ErrAlreadyExists {
			t.Errorf("create %q: expected Invalid, got %v", name, k)
		}
	}
	long := string(bytes.Repeat([]byte("n"), sandboxfs.MaxNameLen+1))
	_, err := b.Create(c, root, long, spec(sandboxfs.TypeRegular, 0o644))
	if !errors.Is(err, sandboxfs.ErrNameTooLong) && sandboxfs.ErrnoOf(err) != sandboxfs.ErrNameTooLong {
		t.Errorf("create long name: expected NameTooLong, got %v", err)
	}
}
