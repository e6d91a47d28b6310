package sandboxfs

import "os"

// FromOSFlags converts os.OpenFile flags.
func FromOSFlags(flag int) OpenFlags {
	var f OpenFlags
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		f |= OpenWrite
	case os.O_RDWR:
		f |= OpenRead | OpenWrite
	default:
		f |= OpenRead
	}
	if flag&os.O_APPEND != 0 {
		f |= OpenAppend | OpenWrite
	}
	if flag&os.O_CREATE != 0 {
		f |= OpenCreate
	}
	if flag&os.O_EXCL != 0 {
		f |= OpenExclusive
	}
	if flag&os.O_TRUNC != 0 {
		f |= OpenTruncate
	}
	if flag&oDirectory != 0 {
		f |= OpenDirectory
	}
	if flag&oNoFollow != 0 {
		f |= OpenNoFollow
	}
	if flag&oNonblock != 0 {
		f |= OpenNonblock
	}
	return f
}

// OSFlags converts f back to os.OpenFile flags.
func (f OpenFlags) OSFlags() int {
	var flag int
	switch {
	case f&OpenRead != 0 && f&(OpenWrite|OpenAppend) != 0:
		flag = os.O_RDWR
	case f&(OpenWrite|OpenAppend) != 0:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if f&OpenAppend != 0 {
		flag |= os.O_APPEND
	}
	if f&OpenCreate != 0 {
		flag |= os.O_CREATE
	}
	if f&OpenExclusive != 0 {
		flag |= os.O_EXCL
	}
	if f&OpenTruncate != 0 {
		flag |= os.O_TRUNC
	}
	if f&OpenDirectory != 0 {
		flag |= oDirectory
	}
	if f&OpenNoFollow != 0 {
		flag |= oNoFollow
	}
	if f&OpenNonblock != 0 {
		flag |= oNonblock
	}
	return flag
}
