package host

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/absfs/sandboxfs"
)

// The default APFS volume folds case.
const caseSensitive = sandboxfs.Unsupported

var errNoAttr = unix.ENOATTR

func statTimes(st *unix.Stat_t) (atime, mtime, ctime time.Time) {
	return time.Unix(st.Atim.Unix()), time.Unix(st.Mtim.Unix()), time.Unix(st.Ctim.Unix())
}
