package sandboxfs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absfs/sandboxfs/internal/clock"
)

const dentryShards = 64

// DentryCache maps (parent inode, name) to a child inode or to a
// negative entry recording that the name is absent. Entries carry the
// version of their directory at insertion time; a change in the
// directory's backend generation bumps the version and invalidates all
// of its entries at once.
type DentryCache struct {
	shards      [dentryShards]dentryShard
	statTTL     time.Duration
	negativeTTL time.Duration
	maxPerShard int
	enabled     bool
	clock       clock.Clock

	hits, negativeHits, misses, evictions atomic.Uint64
}

type dentryKey struct {
	parent InodeID
	name   string
}

type dentry struct {
	child    InodeID
	negative bool
	version  uint64
	expires  time.Time
}

type dentryShard struct {
	mu       sync.RWMutex
	entries  map[dentryKey]*dentry
	versions map[InodeID]uint64
	gens     map[InodeID]uint64
}

// DentryConfig configures a DentryCache. A zero TTL never expires.
type DentryConfig struct {
	Enabled     bool
	StatTTL     time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

// NewDentryCache creates a cache with the given configuration.
func NewDentryCache(cfg DentryConfig, clk clock.Clock) *DentryCache {
	if clk == nil {
		clk = clock.Real()
	}
	c := &DentryCache{
		statTTL:     cfg.StatTTL,
		negativeTTL: cfg.NegativeTTL,
		enabled:     cfg.Enabled,
		clock:       clk,
	}
	if cfg.MaxEntries > 0 {
		c.maxPerShard = (cfg.MaxEntries + dentryShards - 1) / dentryShards
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[dentryKey]*dentry)
		c.shards[i].versions = make(map[InodeID]uint64)
		c.shards[i].gens = make(map[InodeID]uint64)
	}
	return c
}

// All entries of one directory live in the same shard so the
// directory's version is read under the same lock as its entries.
func (c *DentryCache) shard(parent InodeID) *dentryShard {
	return &c.shards[uint64(parent)%dentryShards]
}

// Get returns the cached child of (parent, name). ok is false on a miss;
// negative is true when the name is known to be absent.
func (c *DentryCache) Get(parent InodeID, name string) (child InodeID, negative, ok bool) {
	if !c.enabled {
		return 0, false, false
	}
	s := c.shard(parent)
	s.mu.RLock()
	e, found := s.entries[dentryKey{parent, name}]
	version := s.versions[parent]
	s.mu.RUnlock()

	if !found || e.version != version || c.expired(e) {
		c.misses.Add(1)
		return 0, false, false
	}
	if e.negative {
		c.negativeHits.Add(1)
		return 0, true, true
	}
	c.hits.Add(1)
	return e.child, false, true
}

func (c *DentryCache) expired(e *dentry) bool {
	return !e.expires.IsZero() && c.clock.Now().After(e.expires)
}

// PutPositive records that (parent, name) resolves to child.
func (c *DentryCache) PutPositive(parent InodeID, name string, child InodeID) {
	c.put(parent, name, &dentry{child: child}, c.statTTL)
}

// PutNegative records that (parent, name) does not exist.
func (c *DentryCache) PutNegative(parent InodeID, name string) {
	c.put(parent, name, &dentry{negative: true}, c.negativeTTL)
}

func (c *DentryCache) put(parent InodeID, name string, e *dentry, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl > 0 {
		e.expires = c.clock.Now().Add(ttl)
	}

	s := c.shard(parent)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dentryKey{parent, name}
	if _, exists := s.entries[key]; !exists && c.maxPerShard > 0 && len(s.entries) >= c.maxPerShard {
		c.evictOldestLocked(s)
	}
	e.version = s.versions[parent]
	s.entries[key] = e
}

// evictOldestLocked removes the entry closest to expiry, preferring
// entries already made stale by a version bump.
func (c *DentryCache) evictOldestLocked(s *dentryShard) {
	var oldestKey dentryKey
	var oldest *dentry
	for key, e := range s.entries {
		if e.version != s.versions[key.parent] {
			oldestKey, oldest = key, e
			break
		}
		if oldest == nil || e.expires.Before(oldest.expires) {
			oldestKey, oldest = key, e
		}
	}
	if oldest != nil {
		delete(s.entries, oldestKey)
		c.evictions.Add(1)
	}
}

// Invalidate removes the entry for (parent, name).
func (c *DentryCache) Invalidate(parent InodeID, name string) {
	if !c.enabled {
		return
	}
	s := c.shard(parent)
	s.mu.Lock()
	delete(s.entries, dentryKey{parent, name})
	s.mu.Unlock()
}

// Validate compares a directory generation reported by the backend with
// the last one seen and bumps the directory when it moved. It reports
// whether the cached entries were kept.
func (c *DentryCache) Validate(dir InodeID, gen uint64) bool {
	if !c.enabled {
		return true
	}
	s := c.shard(dir)
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.gens[dir]
	s.gens[dir] = gen
	if seen && last != gen {
		s.versions[dir]++
		return false
	}
	return true
}

// Forget drops the version bookkeeping of a directory that no longer
// exists. Its entries become unreachable and are evicted lazily.
func (c *DentryCache) Forget(dir InodeID) {
	if !c.enabled {
		return
	}
	s := c.shard(dir)
	s.mu.Lock()
	for key := range s.entries {
		if key.parent == dir {
			delete(s.entries, key)
		}
	}
	delete(s.versions, dir)
	delete(s.gens, dir)
	s.mu.Unlock()
}

// Purge removes every entry for which match returns true, checking
// both the parent and the child of positive entries.
func (c *DentryCache) Purge(match func(InodeID) bool) int {
	if !c.enabled {
		return 0
	}
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if match(key.parent) || (!e.negative && match(e.child)) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Clear removes all entries.
func (c *DentryCache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.entries = make(map[dentryKey]*dentry)
		s.versions = make(map[InodeID]uint64)
		s.gens = make(map[InodeID]uint64)
		s.mu.Unlock()
	}
}

// Stats returns cache statistics.
func (c *DentryCache) Stats() DentryStats {
	stats := DentryStats{
		Enabled:      c.enabled,
		StatTTL:      c.statTTL,
		NegativeTTL:  c.negativeTTL,
		MaxEntries:   c.maxPerShard * dentryShards,
		Hits:         c.hits.Load(),
		NegativeHits: c.negativeHits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
	}
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			if e.negative {
				stats.NegativeEntries++
			} else {
				stats.PositiveEntries++
			}
		}
		s.mu.RUnlock()
	}
	return stats
}

// DentryStats contains cache statistics.
type DentryStats struct {
	Enabled         bool
	PositiveEntries int
	NegativeEntries int
	MaxEntries      int
	StatTTL         time.Duration
	NegativeTTL     time.Duration
	Hits            uint64
	NegativeHits    uint64
	Misses          uint64
	Evictions       uint64
}
