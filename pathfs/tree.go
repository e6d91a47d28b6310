package pathfs

import (
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/absfs/absfs"
	"github.com/spf13/afero"

	"github.com/absfs/sandboxfs"
)

// tree is the path-oriented filesystem a Backend drives. Names are
// absolute slash-separated paths.
type tree interface {
	lstat(name string) (fs.FileInfo, error)
	mkdir(name string, perm fs.FileMode) error
	openFile(name string, flag int, perm fs.FileMode) (file, error)
	remove(name string) error
	rename(oldname, newname string) error
	chmod(name string, mode fs.FileMode) error
	chown(name string, uid, gid int) error
	chtimes(name string, atime, mtime time.Time) error
	symlinks() bool
	symlink(target, name string) error
	readlink(name string) (string, error)
}

type file interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Sync() error
	Readdirnames(n int) ([]string, error)
}

// readDirNames returns the sorted names in directory name.
func readDirNames(t tree, name string) ([]string, error) {
	f, err := t.openFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

type absfsTree struct {
	fs     absfs.FileSystem
	linker absfs.SymLinker
}

func newAbsFSTree(fsys absfs.FileSystem) *absfsTree {
	t := &absfsTree{fs: fsys}
	t.linker, _ = fsys.(absfs.SymLinker)
	return t
}

func (t *absfsTree) lstat(name string) (fs.FileInfo, error) {
	if t.linker != nil {
		return t.linker.Lstat(name)
	}
	return t.fs.Stat(name)
}

func (t *absfsTree) mkdir(name string, perm fs.FileMode) error { return t.fs.Mkdir(name, perm) }

func (t *absfsTree) openFile(name string, flag int, perm fs.FileMode) (file, error) {
	f, err := t.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (t *absfsTree) remove(name string) error { return t.fs.Remove(name) }

func (t *absfsTree) rename(oldname, newname string) error { return t.fs.Rename(oldname, newname) }

func (t *absfsTree) chmod(name string, mode fs.FileMode) error { return t.fs.Chmod(name, mode) }

func (t *absfsTree) chown(name string, uid, gid int) error {
	if t.linker != nil {
		return t.linker.Lchown(name, uid, gid)
	}
	return t.fs.Chown(name, uid, gid)
}

func (t *absfsTree) chtimes(name string, atime, mtime time.Time) error {
	return t.fs.Chtimes(name, atime, mtime)
}

func (t *absfsTree) symlinks() bool { return t.linker != nil }

func (t *absfsTree) symlink(target, name string) error {
	if t.linker == nil {
		return sandboxfs.ErrNotSupported
	}
	return t.linker.Symlink(target, name)
}

func (t *absfsTree) readlink(name string) (string, error) {
	if t.linker == nil {
		return "", sandboxfs.ErrNotSupported
	}
	return t.linker.Readlink(name)
}

type aferoTree struct {
	fs      afero.Fs
	lstater afero.Lstater
	linker  afero.Symlinker
}

func newAferoTree(fsys afero.Fs) *aferoTree {
	t := &aferoTree{fs: fsys}
	t.lstater, _ = fsys.(afero.Lstater)
	t.linker, _ = fsys.(afero.Symlinker)
	return t
}

func (t *aferoTree) lstat(name string) (fs.FileInfo, error) {
	if t.lstater != nil {
		fi, _, err := t.lstater.LstatIfPossible(name)
		return fi, err
	}
	return t.fs.Stat(name)
}

func (t *aferoTree) mkdir(name string, perm fs.FileMode) error { return t.fs.Mkdir(name, perm) }

func (t *aferoTree) openFile(name string, flag int, perm fs.FileMode) (file, error) {
	f, err := t.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (t *aferoTree) remove(name string) error { return t.fs.Remove(name) }

func (t *aferoTree) rename(oldname, newname string) error { return t.fs.Rename(oldname, newname) }

func (t *aferoTree) chmod(name string, mode fs.FileMode) error { return t.fs.Chmod(name, mode) }

func (t *aferoTree) chown(name string, uid, gid int) error { return t.fs.Chown(name, uid, gid) }

func (t *aferoTree) chtimes(name string, atime, mtime time.Time) error {
	return t.fs.Chtimes(name, atime, mtime)
}

func (t *aferoTree) symlinks() bool { return t.linker != nil }

func (t *aferoTree) symlink(target, name string) error {
	if t.linker == nil {
		return sandboxfs.ErrNotSupported
	}
	return t.linker.SymlinkIfPossible(target, name)
}

func (t *aferoTree) readlink(name string) (string, error) {
	if t.linker == nil {
		return "", sandboxfs.ErrNotSupported
	}
	return t.linker.ReadlinkIfPossible(name)
}
