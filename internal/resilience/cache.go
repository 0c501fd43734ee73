package resilience

import (
	"sync"
	"time"
)

// defaultCacheTTL bounds how long fallback data stays servable.
const defaultCacheTTL = 30 * time.Minute

type cacheEntry struct {
	data      any
	expiresAt time.Time
}

// FallbackCache holds the last known good value per key so a failed sync
// can still serve something useful. Entries past their TTL are never
// returned; callers see them as absent.
type FallbackCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewFallbackCache creates a cache. A zero ttl selects the default.
func NewFallbackCache(ttl time.Duration) *FallbackCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &FallbackCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Set stores data under key with the cache's default TTL.
func (c *FallbackCache) Set(key string, data any) {
	c.SetWithTTL(key, data, c.ttl)
}

// SetWithTTL stores data under key with an explicit TTL.
func (c *FallbackCache) SetWithTTL(key string, data any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, expiresAt: c.now().Add(ttl)}
}

// Get returns the cached value for key. Expired entries are removed and
// reported as absent.
func (c *FallbackCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

// Delete removes a key.
func (c *FallbackCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
