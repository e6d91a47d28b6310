// Package provider registers the built-in backends under URI schemes.
//
//	mem://                       in-memory backend
//	host:///srv/data             host directory
//	obj://                       object store in a memory bucket
//	obj:///var/lib/blobs         object store in a directory bucket
//	sqlite:///var/lib/fs.db      SQLite database
//	postgres://user@host/db      PostgreSQL database
//	grpc://10.0.0.5:7070         remote backend
//	afero://                     afero.MemMapFs
//	afero:///srv/data            afero.BasePathFs over the OS
//	memfs://                     absfs memfs
//	overlay://?upper=mem://&lower=host:///srv/base
//
// Query parameters, or ProviderOptions.Params, tune each backend.
package provider

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"filippo.io/age"
	"github.com/absfs/memfs"
	"github.com/spf13/afero"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/dbfs"
	"github.com/absfs/sandboxfs/host"
	"github.com/absfs/sandboxfs/mem"
	"github.com/absfs/sandboxfs/objstore"
	"github.com/absfs/sandboxfs/overlay"
	"github.com/absfs/sandboxfs/pathfs"
	"github.com/absfs/sandboxfs/remote"
)

// Default returns a registry holding every built-in scheme.
func Default() *sandboxfs.Registry {
	r := sandboxfs.NewRegistry()
	if err := RegisterAll(r); err != nil {
		panic("provider: " + err.Error())
	}
	return r
}

// RegisterAll adds the built-in schemes to r, replacing earlier
// bindings of the same names.
func RegisterAll(r *sandboxfs.Registry) error {
	providers := map[string]sandboxfs.Provider{
		"mem":        openMem,
		"host":       openHost,
		"obj":        openObj,
		"sqlite":     openSQLite,
		"postgres":   openPostgres,
		"postgresql": openPostgres,
		"grpc":       openRemote,
		"afero":      openAfero,
		"memfs":      openMemFS,
		"overlay":    openOverlay,
	}
	for scheme, p := range providers {
		if err := r.Register(scheme, p); err != nil {
			return err
		}
	}
	return nil
}

// localPath returns the filesystem path a URI names. Both
// "host:///abs/dir" and "host://rel/dir" are accepted.
func localPath(u *url.URL) (string, error) {
	p := u.Host + u.Path
	if p == "" {
		return "", fmt.Errorf("%s: missing path: %w", u.Scheme, sandboxfs.ErrInvalid)
	}
	return p, nil
}

func intParam(opts sandboxfs.ProviderOptions, u *url.URL, name string) (int, error) {
	s := opts.Param(u, name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parameter %s=%q: %w", name, s, sandboxfs.ErrInvalid)
	}
	return n, nil
}

func boolParam(opts sandboxfs.ProviderOptions, u *url.URL, name string) (bool, error) {
	s := opts.Param(u, name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("parameter %s=%q: %w", name, s, sandboxfs.ErrInvalid)
	}
	return v, nil
}

func openMem(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	return mem.New(mem.WithLogger(opts.Logger)), nil
}

func openHost(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	dir, err := localPath(u)
	if err != nil {
		return nil, err
	}
	hostOpts := []host.Option{host.WithLogger(opts.Logger)}
	if ro, err := boolParam(opts, u, "readonly"); err != nil {
		return nil, err
	} else if ro {
		hostOpts = append(hostOpts, host.ReadOnly())
	}
	return host.New(dir, hostOpts...)
}

func openObj(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	var bucket objstore.Bucket = objstore.NewMemoryBucket()
	if u.Host != "" || u.Path != "" {
		dir, err := localPath(u)
		if err != nil {
			return nil, err
		}
		if bucket, err = objstore.NewDirBucket(dir); err != nil {
			return nil, err
		}
	}

	objOpts := []objstore.Option{objstore.WithLogger(opts.Logger)}
	compression, err := objstore.ParseCompression(opts.Param(u, "compression"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandboxfs.ErrInvalid, err)
	}
	objOpts = append(objOpts, objstore.WithCompression(compression))
	if n, err := intParam(opts, u, "chunk"); err != nil {
		return nil, err
	} else if n > 0 {
		objOpts = append(objOpts, objstore.WithChunkSize(n))
	}
	if s := opts.Param(u, "latency"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("parameter latency=%q: %w", s, sandboxfs.ErrInvalid)
		}
		objOpts = append(objOpts, objstore.WithLatency(d))
	}
	if file := opts.Param(u, "identity_file"); file != "" {
		recipients, identities, err := loadIdentities(file, u.Query()["recipient"])
		if err != nil {
			return nil, err
		}
		objOpts = append(objOpts, objstore.WithEncryption(recipients, identities))
	}
	return objstore.New(ctx, bucket, objOpts...)
}

// loadIdentities reads age identities from file. Blobs are encrypted to
// the listed recipients, or to the identities' own recipients when none
// are listed.
func loadIdentities(file string, recipients []string) ([]age.Recipient, []age.Identity, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, sandboxfs.Classify(err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w: %v", file, sandboxfs.ErrInvalid, err)
	}

	var out []age.Recipient
	for _, s := range recipients {
		r, err := age.ParseX25519Recipient(s)
		if err != nil {
			return nil, nil, fmt.Errorf("recipient %q: %w: %v", s, sandboxfs.ErrInvalid, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		for _, id := range identities {
			if x, ok := id.(*age.X25519Identity); ok {
				out = append(out, x.Recipient())
			}
		}
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("%s: no X25519 identity: %w", file, sandboxfs.ErrInvalid)
	}
	return out, identities, nil
}

func dbOptions(opts sandboxfs.ProviderOptions, u *url.URL) ([]dbfs.Option, error) {
	dbOpts := []dbfs.Option{dbfs.WithLogger(opts.Logger)}
	if n, err := intParam(opts, u, "chunk"); err != nil {
		return nil, err
	} else if n > 0 {
		dbOpts = append(dbOpts, dbfs.WithChunkSize(n))
	}
	if n, err := intParam(opts, u, "pool"); err != nil {
		return nil, err
	} else if n > 0 {
		dbOpts = append(dbOpts, dbfs.WithPoolSize(n))
	}
	return dbOpts, nil
}

func openSQLite(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	path, err := localPath(u)
	if err != nil {
		return nil, err
	}
	dbOpts, err := dbOptions(opts, u)
	if err != nil {
		return nil, err
	}
	return dbfs.OpenSQLite(ctx, path, dbOpts...)
}

func openPostgres(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	dbOpts, err := dbOptions(opts, u)
	if err != nil {
		return nil, err
	}
	// The server would reject our parameters as unknown settings.
	dsn := *u
	q := dsn.Query()
	q.Del("chunk")
	q.Del("pool")
	dsn.RawQuery = q.Encode()
	return dbfs.OpenPostgres(ctx, dsn.String(), dbOpts...)
}

func openRemote(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("grpc: missing address: %w", sandboxfs.ErrInvalid)
	}
	remoteOpts := []remote.Option{remote.WithLogger(opts.Logger)}
	if n, err := intParam(opts, u, "retries"); err != nil {
		return nil, err
	} else if n > 0 {
		remoteOpts = append(remoteOpts, remote.WithRetry(n, 100*time.Millisecond))
	}
	return remote.Dial(ctx, u.Host, remoteOpts...)
}

func openAfero(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	var fsys afero.Fs = afero.NewMemMapFs()
	if u.Host != "" || u.Path != "" {
		dir, err := localPath(u)
		if err != nil {
			return nil, err
		}
		fsys = afero.NewBasePathFs(afero.NewOsFs(), dir)
	}
	ro, err := boolParam(opts, u, "readonly")
	if err != nil {
		return nil, err
	}
	pathOpts := []pathfs.Option{pathfs.WithLogger(opts.Logger)}
	if ro {
		fsys = afero.NewReadOnlyFs(fsys)
		pathOpts = append(pathOpts, pathfs.ReadOnly())
	}
	return pathfs.FromAfero(fsys, pathOpts...), nil
}

func openMemFS(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	fsys, err := memfs.NewFS()
	if err != nil {
		return nil, sandboxfs.Classify(err)
	}
	return pathfs.FromAbsFS(fsys, pathfs.WithLogger(opts.Logger)), nil
}

// openOverlay composes the "upper" URI with every "lower" URI, followed
// by opts.Lowers.
func openOverlay(ctx context.Context, u *url.URL, opts sandboxfs.ProviderOptions) (sandboxfs.Backend, error) {
	lowers := append(u.Query()["lower"], opts.Lowers...)
	lowerOpts := opts
	lowerOpts.Lowers = nil
	return Compose(ctx, opts.Param(u, "upper"), lowers, lowerOpts, u)
}

// Compose opens upper and lowers through opts.Registry and stacks them
// into an overlay. An empty upper builds a read-only overlay. Layers
// opened before a failure are closed.
func Compose(ctx context.Context, upper string, lowers []string, opts sandboxfs.ProviderOptions, u *url.URL) (sandboxfs.Backend, error) {
	if opts.Registry == nil {
		opts.Registry = Default()
	}
	if upper == "" && len(lowers) == 0 {
		return nil, fmt.Errorf("overlay: no layers: %w", sandboxfs.ErrInvalid)
	}

	var opened []sandboxfs.Backend
	fail := func(err error) (sandboxfs.Backend, error) {
		for _, b := range opened {
			if c, ok := b.(sandboxfs.Closer); ok {
				c.Close()
			}
		}
		return nil, err
	}

	layerOpts := sandboxfs.ProviderOptions{Logger: opts.Logger, Registry: opts.Registry}
	ovOpts := []overlay.Option{overlay.WithLogger(opts.Logger)}
	if upper != "" {
		b, err := opts.Registry.Open(ctx, upper, layerOpts)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, b)
		ovOpts = append(ovOpts, overlay.WithUpper(b))
	}
	for _, lower := range lowers {
		b, err := opts.Registry.Open(ctx, lower, layerOpts)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, b)
		ovOpts = append(ovOpts, overlay.WithLower(b))
	}

	format, err := overlay.ParseWhiteoutFormat(opts.Param(u, "whiteout"))
	if err != nil {
		return fail(fmt.Errorf("%w: %v", sandboxfs.ErrInvalid, err))
	}
	ovOpts = append(ovOpts, overlay.WithWhiteoutFormat(format))
	if nonAtomic, err := boolParam(opts, u, "nonatomic_copyup"); err != nil {
		return fail(err)
	} else if nonAtomic {
		ovOpts = append(ovOpts, overlay.WithNonAtomicCopyUp())
	}
	if s := opts.Param(u, "lower_cache"); s != "" {
		ttl, err := time.ParseDuration(s)
		if err != nil {
			return fail(fmt.Errorf("parameter lower_cache=%q: %w", s, sandboxfs.ErrInvalid))
		}
		ovOpts = append(ovOpts, overlay.WithLowerCache(ttl, ttl/2, 4096))
	}

	o, err := overlay.New(ctx, ovOpts...)
	if err != nil {
		return fail(err)
	}
	return o, nil
}
