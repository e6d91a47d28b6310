package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/logging"
	"github.com/absfs/sandboxfs/provider"
)

// Runtime is a built VFS together with the backends it owns.
type Runtime struct {
	VFS    *sandboxfs.VFS
	Logger *slog.Logger

	backends []sandboxfs.Backend
}

// Close closes every open descriptor and then every backend that holds
// resources.
func (r *Runtime) Close(ctx context.Context) error {
	errs := []error{r.VFS.Close(ctx)}
	for i := len(r.backends) - 1; i >= 0; i-- {
		if c, ok := r.backends[i].(sandboxfs.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the logger cfg describes.
func NewLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "discard":
		return slog.New(slog.DiscardHandler), nil
	default:
		return nil, fmt.Errorf("config: unknown log output %q: %w", cfg.Output, sandboxfs.ErrInvalid)
	}
	level := slog.LevelInfo
	if cfg.Level != "" {
		var err error
		if level, err = logging.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}
	return logging.New(w, cfg.Format, level)
}

// Build creates the VFS cfg describes, opening each mount's backend
// through reg, which defaults to provider.Default(). Mounts are
// attached parents first; missing mount points are created in the
// parent mount.
func Build(ctx context.Context, cfg *Config, reg *sandboxfs.Registry) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = provider.Default()
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	ctx = logging.MakeContextWithLogger(ctx, logger)

	v := sandboxfs.New(
		sandboxfs.WithLogger(logger),
		sandboxfs.WithDentryConfig(sandboxfs.DentryConfig{
			Enabled:     !cfg.Cache.Disabled,
			StatTTL:     cfg.Cache.TTL,
			NegativeTTL: cfg.Cache.NegativeTTL,
			MaxEntries:  cfg.Cache.MaxEntries,
		}),
		sandboxfs.WithCredentials(sandboxfs.Credentials{
			Uid:    cfg.Credentials.Uid,
			Gid:    cfg.Credentials.Gid,
			Groups: cfg.Credentials.Groups,
		}),
		sandboxfs.WithMaxSymlinks(cfg.Limits.MaxSymlinks),
		sandboxfs.WithMaxInodes(cfg.Limits.MaxInodes),
		sandboxfs.WithTimeout(cfg.Limits.DefaultTimeout),
	)
	rt := &Runtime{VFS: v, Logger: logger}

	for _, m := range mountOrder(cfg) {
		if err := rt.mount(ctx, reg, m); err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}
	return rt, nil
}

// mountOrder returns the mounts sorted so every parent precedes its
// children, with Root first when it applies.
func mountOrder(cfg *Config) []MountConfig {
	mounts := make([]MountConfig, 0, len(cfg.Mounts)+1)
	hasRoot := false
	for _, m := range cfg.Mounts {
		m.Prefix = sandboxfs.CleanPrefix(m.Prefix)
		hasRoot = hasRoot || m.Prefix == "/"
		mounts = append(mounts, m)
	}
	if !hasRoot {
		mounts = append(mounts, MountConfig{Prefix: "/", URI: cfg.Root})
	}
	sort.SliceStable(mounts, func(i, j int) bool {
		return depth(mounts[i].Prefix) < depth(mounts[j].Prefix)
	})
	return mounts
}

func depth(prefix string) int {
	if prefix == "/" {
		return 0
	}
	return strings.Count(prefix, "/")
}

func (rt *Runtime) mount(ctx context.Context, reg *sandboxfs.Registry, m MountConfig) error {
	opts := sandboxfs.ProviderOptions{
		Logger:   rt.Logger.With("mount", m.Prefix),
		Registry: reg,
		Params:   maps.Clone(m.Params),
	}
	if m.Whiteout != "" {
		if opts.Params == nil {
			opts.Params = map[string]string{}
		}
		opts.Params["whiteout"] = m.Whiteout
	}

	var (
		b   sandboxfs.Backend
		err error
	)
	if len(m.Lowers) > 0 && !isOverlay(m.URI) {
		b, err = provider.Compose(ctx, m.URI, m.Lowers, opts, nil)
	} else {
		opts.Lowers = m.Lowers
		b, err = reg.Open(ctx, m.URI, opts)
	}
	if err != nil {
		return fmt.Errorf("config: mount %s: %w", m.Prefix, err)
	}
	rt.backends = append(rt.backends, b)

	if m.Prefix != "/" {
		fsys := rt.VFS.FileSystem()
		if _, err := fsys.Stat(m.Prefix); sandboxfs.ErrnoOf(err) == sandboxfs.ErrNotFound {
			if err := fsys.MkdirAll(m.Prefix, 0o755); err != nil {
				return fmt.Errorf("config: mount %s: %w", m.Prefix, err)
			}
		}
	}

	err = rt.VFS.Mount(ctx, m.Prefix, b, sandboxfs.MountOptions{
		ReadOnly:            m.ReadOnly,
		EmulateCrossRename:  m.EmulateCrossRename,
		RequireAtomicRename: m.RequireAtomicRename,
		ReadBytesPerSec:     m.ReadBytesPerSec,
		WriteBytesPerSec:    m.WriteBytesPerSec,
		Timeout:             m.Timeout,
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func isOverlay(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && strings.EqualFold(u.Scheme, "overlay")
}
