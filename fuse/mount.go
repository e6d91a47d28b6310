//go:build linux || darwin

// Package fuse exports a sandboxfs VFS as a FUSE filesystem so host
// tools can inspect and modify a sandbox while it runs.
//
// Every FUSE request is served through the VFS path and descriptor
// operations, so mounts, permissions, read-only policy and rate limits
// apply exactly as they do for the sandboxed program. Requests run with
// the VFS credentials, not those of the calling host process.
package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/absfs/sandboxfs"
)

// Default kernel cache timeouts.
const (
	DefaultEntryTimeout    = time.Second
	DefaultAttrTimeout     = time.Second
	DefaultNegativeTimeout = 100 * time.Millisecond
)

// Options configures a FUSE mount.
type Options struct {
	// Mountpoint is the host directory to mount on. It is created if
	// it does not exist.
	Mountpoint string

	// VFS is the filesystem to export.
	VFS *sandboxfs.VFS

	// FsName appears as the source column of /proc/mounts. Defaults
	// to "sandboxfs".
	FsName string

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// EntryTimeout, AttrTimeout and NegativeTimeout bound how long the
	// kernel caches lookups and attributes. Zero selects the defaults;
	// a negative value disables caching.
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration

	// Debug logs every FUSE request through go-fuse.
	Debug bool

	// Logger receives diagnostic messages. If nil, nothing is logged.
	Logger *slog.Logger
}

func timeout(d, def time.Duration) *time.Duration {
	switch {
	case d == 0:
		d = def
	case d < 0:
		d = 0
	}
	return &d
}

// Mount mounts opts.VFS at opts.Mountpoint. The caller must call
// Unmount on the returned server when done; unmounting does not close
// the VFS.
func Mount(opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("fuse: mountpoint is required: %w", sandboxfs.ErrInvalid)
	}
	if opts.VFS == nil {
		return nil, fmt.Errorf("fuse: vfs is required: %w", sandboxfs.ErrInvalid)
	}
	if opts.FsName == "" {
		opts.FsName = "sandboxfs"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("fuse: creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	st, err := opts.VFS.PathFilestatGet(context.Background(), sandboxfs.AtCWD, "/", true)
	if err != nil {
		return nil, fmt.Errorf("fuse: %w", err)
	}

	root := &node{fs: &filesystem{vfs: opts.VFS, logger: opts.Logger}}
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    timeout(opts.EntryTimeout, DefaultEntryTimeout),
		AttrTimeout:     timeout(opts.AttrTimeout, DefaultAttrTimeout),
		NegativeTimeout: timeout(opts.NegativeTimeout, DefaultNegativeTimeout),
		RootStableAttr:  &gofuse.StableAttr{Ino: uint64(st.Ino)},
		MountOptions: fuse.MountOptions{
			FsName:     opts.FsName,
			Name:       "sandboxfs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fuse: mounting at %s: %w", opts.Mountpoint, err)
	}

	opts.Logger.Info("sandbox filesystem mounted", "mountpoint", opts.Mountpoint)
	return server, nil
}
