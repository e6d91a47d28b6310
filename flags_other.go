//go:build !unix

package sandboxfs

// Values outside the os package's portable set.
const (
	oDirectory = 0x10000
	oNoFollow  = 0x20000
	oNonblock  = 0x800
)
