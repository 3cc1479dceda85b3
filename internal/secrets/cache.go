package secrets

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// Cache holds decrypted values for a short TTL. Each key carries a
// generation that Invalidate bumps, so a read that started before a
// rotation cannot repopulate the cache with the old value.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return "", false
	}
	return e.value, true
}

// Generation returns the key's current invalidation counter.
func (c *Cache) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[key]
}

// Set caches value unless key was invalidated after gen was read. A
// non-nil notAfter caps the entry's lifetime at the secret's own expiry.
func (c *Cache) Set(key, value string, gen uint64, notAfter *time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	now := c.now()
	expires := now.Add(c.ttl)
	if notAfter != nil && notAfter.Before(expires) {
		expires = *notAfter
	}
	if !now.Before(expires) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		return false
	}
	c.entries[key] = cacheEntry{value: value, expires: expires}
	return true
}

func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gens[key]++
}
