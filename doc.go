/*
Package sandboxfs provides a POSIX-compatible virtual filesystem for sandboxed process
runtimes. Heterogeneous storage backends are unified under inode-centric semantics with
hardlinks, symlinks, permissions, atomic rename and stable directory listings.

# Overview

A VFS is a mount table of backends. Every backend implements the handle-based Backend
interface and declares its Capabilities; the VFS owns inode identity, the dentry cache,
open file descriptions and the descriptor table on top of them.

	data, err := host.New("/srv/data")
	v := sandboxfs.New(sandboxfs.WithLogger(logger))
	v.Mount(ctx, "/", mem.New(), sandboxfs.MountOptions{})
	v.Mount(ctx, "/data", data, sandboxfs.MountOptions{ReadOnly: true})

	fd, err := v.PathOpen(ctx, sandboxfs.AtCWD, "/tmp/out.txt",
	    sandboxfs.OpenWrite|sandboxfs.OpenCreate|sandboxfs.OpenTruncate, 0o644)
	n, err := v.FdWrite(ctx, fd, []byte("hello"))
	err = v.FdClose(ctx, fd)

# Key Features

  - Inode table with stable ids, link counts and unlink-on-last-close
  - Dentry cache with positive and negative entries, TTLs and per-directory versions
  - Path resolution with symlinks (bounded at 40 hops), ".." across mount roots and
    trailing-slash checks
  - Mount table with longest-prefix matching and nested mounts
  - Open file descriptions shared by dup, with a per-description offset lock
  - Per-mount capability sets checked before every dispatch
  - Per-mount read-only, rate limits and default deadlines
  - An absfs.FileSystem view for code written against the absfs ecosystem

# Backends

The subpackages provide backends:

  - mem: in-memory, every capability native
  - host: confined passthrough to a host directory
  - overlay: upper plus lower layers with whiteouts, opaque directories and copy-up
  - objstore: flat content-addressed object store
  - dbfs: SQLite or PostgreSQL
  - pathfs: any absfs.FileSystem or afero.Fs
  - remote: any backend served over gRPC

The provider package registers them under URI schemes so a mount table can be described
in configuration:

	reg := provider.Default()
	b, err := reg.Open(ctx, "host:///srv/fixtures", sandboxfs.ProviderOptions{})

The config package builds a whole VFS from a YAML file with SANDBOXFS_* environment
overrides, and the fuse package exports a VFS on the host for inspection.

# Errors

Every error carries an Errno. Path operations return *fs.PathError and two-path
operations return *os.LinkError; ErrnoOf recovers the kind and Errno.Syscall maps it to a
POSIX errno:

	_, err := v.PathFilestatGet(ctx, sandboxfs.AtCWD, "/missing", true)
	if sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
	    // ...
	}
	errors.Is(err, fs.ErrNotExist) // true

# Cross-Mount Rename

Rename between mounts fails with ErrCrossDevice. Renaming into a mount created with
EmulateCrossRename moves regular files and symlinks by copying under a temporary name, renaming into place
and then removing the source; directories still fail with ErrCrossDevice.

# Thread Safety

All VFS methods are safe for concurrent use. Structural mutations lock the affected
directories only, so unrelated trees proceed in parallel. Reads and writes through one
description are serialized; appends through any description of one inode are serialized
with each other.
*/
package sandboxfs
