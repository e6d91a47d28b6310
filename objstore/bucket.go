package objstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
)

// Bucket is a flat key/value object store. Keys are arbitrary strings
// and List returns them in byte order. Get and Delete of a missing key
// return an error for which sandboxfs.ErrnoOf reports ErrNotFound.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys with the given prefix that sort
	// strictly after after. A limit <= 0 means no limit.
	List(ctx context.Context, prefix, after string, limit int) ([]string, error)
}

// MemoryBucket keeps objects in a map.
type MemoryBucket struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{objects: make(map[string][]byte)}
}

func (m *MemoryBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("objstore.MemoryBucket.Get: %s: %w", key, sandboxfs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBucket) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("objstore.MemoryBucket.Delete: %s: %w", key, sandboxfs.ErrNotFound)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryBucket) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Len returns the number of stored objects.
func (m *MemoryBucket) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// DirBucket stores each object as one file in a host directory. File
// names are the base64url encoding of the key, so keys may contain any
// byte. Puts write a temporary file and rename it into place.
type DirBucket struct {
	dir string
}

const dirTempPrefix = ".tmp-"

// NewDirBucket opens dir as a bucket, creating it if needed.
func NewDirBucket(dir string) (*DirBucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore.NewDirBucket: %w", err)
	}
	return &DirBucket{dir: dir}, nil
}

func (d *DirBucket) file(key string) string {
	return filepath.Join(d.dir, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func notFound(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %s: %w", op, key, sandboxfs.ErrNotFound)
	}
	return fmt.Errorf("%s: %s: %w", op, key, err)
}

func (d *DirBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.file(key))
	if err != nil {
		return nil, notFound("objstore.DirBucket.Get", key, err)
	}
	return data, nil
}

func (d *DirBucket) Put(ctx context.Context, key string, data []byte) error {
	const op = "objstore.DirBucket.Put"
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := filepath.Join(d.dir, dirTempPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%s: %s: %w", op, key, err)
	}
	if err := os.Rename(tmp, d.file(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%s: %s: %w", op, key, err)
	}
	return nil
}

func (d *DirBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(d.file(key)); err != nil {
		return notFound("objstore.DirBucket.Delete", key, err)
	}
	return nil
}

func (d *DirBucket) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("objstore.DirBucket.List: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), dirTempPrefix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil {
			continue
		}
		k := string(raw)
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Delayed wraps b so every call first waits for latency, or fails when
// ctx ends first.
func Delayed(b Bucket, latency time.Duration, clk clock.Clock) Bucket {
	if clk == nil {
		clk = clock.Real()
	}
	return &delayed{b: b, latency: latency, clock: clk}
}

type delayed struct {
	b       Bucket
	latency time.Duration
	clock   clock.Clock
}

func (d *delayed) wait(ctx context.Context) error {
	if d.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(d.latency):
		return nil
	}
}

func (d *delayed) Get(ctx context.Context, key string) ([]byte, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return d.b.Get(ctx, key)
}

func (d *delayed) Put(ctx context.Context, key string, data []byte) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.b.Put(ctx, key, data)
}

func (d *delayed) Delete(ctx context.Context, key string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.b.Delete(ctx, key)
}

func (d *delayed) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return d.b.List(ctx, prefix, after, limit)
}
