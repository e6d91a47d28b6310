package sandboxfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// absFilesystem adapts a VFS to absfs.Filer and absfs.SymLinker with a
// working directory of its own, independent of the VFS's.
type absFilesystem struct {
	v *VFS

	mu  sync.Mutex
	cwd string
}

var (
	_ absfs.Filer     = (*absFilesystem)(nil)
	_ absfs.SymLinker = (*absFilesystem)(nil)
	_ absfs.File      = (*absFile)(nil)
)

// FileSystem returns an absfs view of the VFS. The view keeps its own
// working directory, starting at "/", and its files are backed by VFS
// descriptors.
//
//	v := sandboxfs.New()
//	v.Mount(ctx, "/", mem.New(), sandboxfs.MountOptions{})
//	fsys := v.FileSystem()
//	fsys.MkdirAll("/app/config", 0o755)
//	fsys.Chdir("/app")
//	f, err := fsys.Create("config/app.yml")
func (v *VFS) FileSystem() absfs.SymlinkFileSystem {
	return absfs.ExtendSymlinkFiler(&absFilesystem{v: v, cwd: "/"})
}

func (a *absFilesystem) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return path.Join(a.cwd, name)
}

// osError rewrites the Errno inside path and link errors as a
// syscall.Errno so os.IsNotExist and friends recognize it.
func osError(err error) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: pe.Op, Path: pe.Path, Err: ErrnoOf(pe.Err).Syscall()}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return &os.LinkError{Op: le.Op, Old: le.Old, New: le.New, Err: ErrnoOf(le.Err).Syscall()}
	}
	return ErrnoOf(err).Syscall()
}

func (a *absFilesystem) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := a.abs(name)
	fd, err := a.v.PathOpen(context.Background(), AtCWD, p, FromOSFlags(flag), perm)
	if err != nil {
		return nil, osError(err)
	}
	return &absFile{v: a.v, fd: fd, name: p}, nil
}

func (a *absFilesystem) Mkdir(name string, perm os.FileMode) error {
	return osError(a.v.PathCreateDirectory(context.Background(), AtCWD, a.abs(name), perm))
}

// Remove removes a file or an empty directory.
func (a *absFilesystem) Remove(name string) error {
	ctx := context.Background()
	p := a.abs(name)
	err := a.v.PathUnlinkFile(ctx, AtCWD, p)
	if ErrnoOf(err) == ErrIsADirectory {
		err = a.v.PathRemoveDirectory(ctx, AtCWD, p)
	}
	return osError(err)
}

// RemoveAll removes path and any children it contains. A missing path
// is not an error.
func (a *absFilesystem) RemoveAll(name string) error {
	p := a.abs(name)
	err := a.removeAll(context.Background(), p)
	if ErrnoOf(err) == ErrNotFound {
		return nil
	}
	return osError(err)
}

func (a *absFilesystem) removeAll(ctx context.Context, p string) error {
	st, err := a.v.PathFilestatGet(ctx, AtCWD, p, false)
	if err != nil {
		return err
	}
	if st.Type != TypeDirectory {
		return a.v.PathUnlinkFile(ctx, AtCWD, p)
	}
	names, err := a.readDirNames(ctx, p)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := a.removeAll(ctx, path.Join(p, name)); err != nil && ErrnoOf(err) != ErrNotFound {
			return err
		}
	}
	return a.v.PathRemoveDirectory(ctx, AtCWD, p)
}

func (a *absFilesystem) readDirNames(ctx context.Context, p string) ([]string, error) {
	fd, err := a.v.PathOpen(ctx, AtCWD, p, OpenRead|OpenDirectory, 0)
	if err != nil {
		return nil, err
	}
	defer a.v.FdClose(ctx, fd)

	var names []string
	var cookie uint64
	for {
		batch, err := a.v.FdReaddir(ctx, fd, cookie, defaultReaddirBatch)
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			cookie = e.Next
			if e.Name != "." && e.Name != ".." {
				names = append(names, e.Name)
			}
		}
		if len(batch) < defaultReaddirBatch {
			return names, nil
		}
	}
}

func (a *absFilesystem) Rename(oldpath, newpath string) error {
	return osError(a.v.PathRename(context.Background(), AtCWD, a.abs(oldpath), AtCWD, a.abs(newpath)))
}

func (a *absFilesystem) Stat(name string) (os.FileInfo, error) {
	p := a.abs(name)
	st, err := a.v.PathFilestatGet(context.Background(), AtCWD, p, true)
	if err != nil {
		return nil, osError(err)
	}
	return NewFileInfo(path.Base(p), st), nil
}

func (a *absFilesystem) Lstat(name string) (os.FileInfo, error) {
	p := a.abs(name)
	st, err := a.v.PathFilestatGet(context.Background(), AtCWD, p, false)
	if err != nil {
		return nil, osError(err)
	}
	return NewFileInfo(path.Base(p), st), nil
}

func (a *absFilesystem) Chmod(name string, mode os.FileMode) error {
	return osError(a.v.PathChmod(context.Background(), AtCWD, a.abs(name), mode))
}

func (a *absFilesystem) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return osError(a.v.PathFilestatSetTimes(context.Background(), AtCWD, a.abs(name), &atime, &mtime, true))
}

func (a *absFilesystem) Chown(name string, uid, gid int) error {
	return osError(a.v.PathChown(context.Background(), AtCWD, a.abs(name), uid, gid, true))
}

func (a *absFilesystem) Lchown(name string, uid, gid int) error {
	return osError(a.v.PathChown(context.Background(), AtCWD, a.abs(name), uid, gid, false))
}

func (a *absFilesystem) Readlink(name string) (string, error) {
	target, err := a.v.PathReadlink(context.Background(), AtCWD, a.abs(name))
	return target, osError(err)
}

func (a *absFilesystem) Symlink(oldname, newname string) error {
	return osError(a.v.PathSymlink(context.Background(), oldname, AtCWD, a.abs(newname)))
}

// ReadDir returns the entries of a directory sorted by name.
func (a *absFilesystem) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := a.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (a *absFilesystem) ReadFile(name string) ([]byte, error) {
	f, err := a.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (a *absFilesystem) Sub(dir string) (fs.FS, error) {
	return absfs.FilerToFS(a, a.abs(dir))
}

func (a *absFilesystem) Truncate(name string, size int64) error {
	ctx := context.Background()
	fd, err := a.v.PathOpen(ctx, AtCWD, a.abs(name), OpenWrite, 0)
	if err != nil {
		return osError(err)
	}
	err = a.v.FdFilestatSetSize(ctx, fd, size)
	if cerr := a.v.FdClose(ctx, fd); err == nil {
		err = cerr
	}
	if err != nil {
		return osError(&fs.PathError{Op: "truncate", Path: name, Err: err})
	}
	return nil
}

func (a *absFilesystem) Chdir(dir string) error {
	p := a.abs(dir)
	if _, err := a.v.resolve(context.Background(), AtCWD, p, FollowFinal|MustBeDir); err != nil {
		return osError(pathError("chdir", p, err))
	}
	a.mu.Lock()
	a.cwd = p
	a.mu.Unlock()
	return nil
}

func (a *absFilesystem) Getwd() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cwd, nil
}

func (a *absFilesystem) TempDir() string { return "/tmp" }

// absFile is an absfs.File over one VFS descriptor.
type absFile struct {
	v    *VFS
	fd   FD
	name string

	// listing state for Readdir and friends
	cookie uint64
	done   bool
}

func (f *absFile) Name() string { return f.name }

func (f *absFile) wrap(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	return osError(pathError(op, f.name, err))
}

func (f *absFile) Read(b []byte) (int, error) {
	n, err := f.v.FdRead(context.Background(), f.fd, b)
	if err == nil && n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, f.wrap("read", err)
}

func (f *absFile) ReadAt(b []byte, off int64) (int, error) {
	ctx := context.Background()
	total := 0
	for total < len(b) {
		n, err := f.v.FdPread(ctx, f.fd, b[total:], off+int64(total))
		total += n
		if err != nil {
			return total, f.wrap("read", err)
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

func (f *absFile) Write(b []byte) (int, error) {
	n, err := f.v.FdWrite(context.Background(), f.fd, b)
	return n, f.wrap("write", err)
}

func (f *absFile) WriteAt(b []byte, off int64) (int, error) {
	n, err := f.v.FdPwrite(context.Background(), f.fd, b, off)
	return n, f.wrap("write", err)
}

func (f *absFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *absFile) Seek(offset int64, whence int) (int64, error) {
	n, err := f.v.FdSeek(context.Background(), f.fd, offset, whence)
	if err == nil && whence == io.SeekStart && offset == 0 {
		f.cookie, f.done = 0, false
	}
	return n, f.wrap("seek", err)
}

func (f *absFile) Close() error {
	return f.wrap("close", f.v.FdClose(context.Background(), f.fd))
}

func (f *absFile) Sync() error {
	return f.wrap("sync", f.v.FdSync(context.Background(), f.fd))
}

func (f *absFile) Truncate(size int64) error {
	return f.wrap("truncate", f.v.FdFilestatSetSize(context.Background(), f.fd, size))
}

func (f *absFile) Stat() (os.FileInfo, error) {
	st, err := f.v.FdFilestatGet(context.Background(), f.fd)
	if err != nil {
		return nil, f.wrap("stat", err)
	}
	return NewFileInfo(path.Base(f.name), st), nil
}

// entries returns up to n more directory entries, all of them when n
// is not positive. It follows os.File: io.EOF only when n > 0 and
// nothing is left.
func (f *absFile) entries(n int) ([]Dirent, error) {
	ctx := context.Background()
	var out []Dirent
	for !f.done && (n <= 0 || len(out) < n) {
		want := defaultReaddirBatch
		if n > 0 && n-len(out) < want {
			want = n - len(out)
		}
		batch, err := f.v.FdReaddir(ctx, f.fd, f.cookie, want)
		if err != nil {
			return out, f.wrap("readdir", err)
		}
		if len(batch) < want {
			f.done = true
		}
		for _, e := range batch {
			f.cookie = e.Next
			if e.Name != "." && e.Name != ".." {
				out = append(out, e)
			}
		}
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (f *absFile) Readdirnames(n int) ([]string, error) {
	ents, err := f.entries(n)
	names := make([]string, len(ents))
	for i, e := range ents {
		names[i] = e.Name
	}
	return names, err
}

func (f *absFile) Readdir(n int) ([]os.FileInfo, error) {
	ents, err := f.entries(n)
	infos := make([]os.FileInfo, 0, len(ents))
	for _, e := range ents {
		info, serr := f.entryInfo(e)
		if serr != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, err
}

func (f *absFile) ReadDir(n int) ([]fs.DirEntry, error) {
	ents, err := f.entries(n)
	out := make([]fs.DirEntry, len(ents))
	for i, e := range ents {
		out[i] = &absDirEntry{f: f, e: e}
	}
	return out, err
}

func (f *absFile) entryInfo(e Dirent) (fs.FileInfo, error) {
	st, err := f.v.PathFilestatGet(context.Background(), f.fd, e.Name, false)
	if err != nil {
		return nil, osError(err)
	}
	return NewFileInfo(e.Name, st), nil
}

type absDirEntry struct {
	f *absFile
	e Dirent
}

func (d *absDirEntry) Name() string               { return d.e.Name }
func (d *absDirEntry) IsDir() bool                { return d.e.Type == TypeDirectory }
func (d *absDirEntry) Type() fs.FileMode          { return d.e.Type.ModeType() }
func (d *absDirEntry) Info() (fs.FileInfo, error) { return d.f.entryInfo(d.e) }
