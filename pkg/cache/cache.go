package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ctrlnet/segmentd/pkg/metrics"
)

// FetchFunc loads the value for a key from the external system
type FetchFunc func(ctx context.Context) (interface{}, error)

// Cache is the reference-data cache consumed by the resolver and manager.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached value, or (nil, false) on miss. An entry past
	// its TTL is a miss.
	Get(key string) (interface{}, bool)

	// Set stores a value for any key, seen before or not. ttl <= 0 uses
	// the cache default.
	Set(key string, value interface{}, ttl time.Duration)

	// GetOrFetch returns the cached value, or runs fetch and caches its
	// result. Concurrent callers missing on the same key share a single
	// in-flight fetch and receive the same outcome. Failed fetches are
	// never cached.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (interface{}, error)

	// Invalidate forces the next Get on key to miss
	Invalidate(key string)

	// Keys returns the keys with unexpired entries
	Keys() []string
}

// entry is one cached value with its expiry bookkeeping
type entry struct {
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
}

// flight tracks an in-flight fetch shared by coalesced callers
type flight struct {
	done  chan struct{}
	value interface{}
	err   error
}

// MemoryCache is the in-memory Cache implementation. State is rebuilt from
// the external system on restart; nothing is persisted.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	inflight   map[string]*flight
	defaultTTL time.Duration

	// now is the clock, injectable for tests
	now func() time.Time
}

// NewMemoryCache creates a cache with the given default TTL
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]*entry),
		inflight:   make(map[string]*flight),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetClock overrides the cache clock (tests only)
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value for key, treating expired entries as misses.
// Expired entries are removed lazily here rather than swept proactively.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues(key).Inc()
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= e.ttl {
		delete(c.entries, key)
		metrics.CacheMisses.WithLabelValues(key).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(key).Inc()
	return e.value, true
}

// Set stores value under key. Keys are never pre-registered; the first Set
// for a new key creates its entry.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, storedAt: c.now(), ttl: ttl}
}

// GetOrFetch implements request coalescing: one underlying fetch per key at
// a time, with every concurrent miss waiting on its outcome.
func (c *MemoryCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (interface{}, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok && c.now().Sub(e.storedAt) < e.ttl {
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues(key).Inc()
		return e.value, nil
	}
	metrics.CacheMisses.WithLabelValues(key).Inc()

	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		metrics.CacheCoalesced.WithLabelValues(key).Inc()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	value, err := fetch(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		if ttl <= 0 {
			ttl = c.defaultTTL
		}
		c.entries[key] = &entry{value: value, storedAt: c.now(), ttl: ttl}
	}
	c.mu.Unlock()

	f.value = value
	f.err = err
	close(f.done)
	return value, err
}

// Invalidate removes key so the next Get misses. Used after mutations that
// change the underlying external state.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	metrics.CacheInvalidations.WithLabelValues(key).Inc()
}

// Keys returns all keys holding unexpired entries
func (c *MemoryCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if c.now().Sub(e.storedAt) < e.ttl {
			keys = append(keys, k)
		}
	}
	return keys
}
