package host

import (
	"errors"

	"golang.org/x/sys/unix"
)

// renameNoReplace renames from to to unless to exists. Filesystems
// without RENAME_NOREPLACE fall back to a check-then-rename.
func renameNoReplace(from, to string) error {
	err := unix.Renameat2(unix.AT_FDCWD, from, unix.AT_FDCWD, to, unix.RENAME_NOREPLACE)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		var st unix.Stat_t
		if unix.Lstat(to, &st) == nil {
			return unix.EEXIST
		}
		return unix.Rename(from, to)
	}
	return err
}
