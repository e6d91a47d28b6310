package overlay

import (
	"sync"
	"time"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
)

// Cache remembers lookups in lower layers. Lower layers are read-only
// for the life of the overlay, so entries only expire to bound memory
// and to pick up layers replaced underneath a long-lived overlay.
type Cache struct {
	entries     map[cacheKey]*cacheEntry
	mu          sync.RWMutex
	ttl         time.Duration
	negativeTTL time.Duration
	maxEntries  int
	enabled     bool
	clock       clock.Clock

	hits   uint64
	misses uint64
}

type cacheKey struct {
	dir  layerRef
	name string
}

type cacheEntry struct {
	h        sandboxfs.Handle
	attr     sandboxfs.Attr
	hidden   bool
	negative bool
	expires  time.Time
}

func newCache(enabled bool, ttl, negativeTTL time.Duration, maxEntries int) *Cache {
	if !enabled {
		return &Cache{enabled: false, clock: clock.Real()}
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if negativeTTL <= 0 {
		negativeTTL = ttl / 2
	}
	return &Cache{
		entries:     make(map[cacheKey]*cacheEntry),
		ttl:         ttl,
		negativeTTL: negativeTTL,
		maxEntries:  maxEntries,
		enabled:     true,
		clock:       clock.Real(),
	}
}

func (c *Cache) get(dir layerRef, name string) (cacheEntry, bool) {
	if !c.enabled {
		return cacheEntry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey{dir, name}]
	if !ok || c.clock.Now().After(e.expires) {
		c.misses++
		return cacheEntry{}, false
	}
	c.hits++
	return *e, true
}

func (c *Cache) put(dir layerRef, name string, e cacheEntry) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	ttl := c.ttl
	if e.negative {
		ttl = c.negativeTTL
	}
	e.expires = c.clock.Now().Add(ttl)
	c.entries[cacheKey{dir, name}] = &e
}

func (c *Cache) clear() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
}

// evictOldest removes the entry closest to expiry.
func (c *Cache) evictOldest() {
	var (
		oldest    cacheKey
		oldestExp time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.expires.Before(oldestExp) {
			oldest, oldestExp, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, oldest)
	}
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	if !c.enabled {
		return CacheStats{Enabled: false}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var negative int
	for _, e := range c.entries {
		if e.negative {
			negative++
		}
	}
	return CacheStats{
		Enabled:     true,
		Entries:     len(c.entries),
		Negative:    negative,
		MaxEntries:  c.maxEntries,
		TTL:         c.ttl,
		NegativeTTL: c.negativeTTL,
		Hits:        c.hits,
		Misses:      c.misses,
	}
}

// CacheStats contains lower-layer cache statistics.
type CacheStats struct {
	Enabled     bool
	Entries     int
	Negative    int
	MaxEntries  int
	TTL         time.Duration
	NegativeTTL time.Duration
	Hits        uint64
	Misses      uint64
}

// CacheStats returns statistics of the lower-layer lookup cache.
func (o *Overlay) CacheStats() CacheStats {
	return o.cache.Stats()
}

// ClearCache drops every cached lower-layer lookup.
func (o *Overlay) ClearCache() {
	o.cache.clear()
}
