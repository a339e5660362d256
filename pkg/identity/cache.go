package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// cacheEntry is a verified identity with its expiry.
type cacheEntry struct {
	identity  *ServiceIdentity
	expiresAt time.Time
}

// Cache holds successful verifications keyed by credential fingerprint so
// repeated requests with the same credential skip the verification call.
// Failed verifications are never cached.
type Cache struct {
	ttl     time.Duration
	maxSize int
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	now     func() time.Time

	hits, misses, evictions atomic.Uint64
}

// CacheStats are cumulative cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// NewCache returns a cache. A zero ttl disables caching.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Fingerprint hashes raw credential bytes. The raw credential is never stored.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of the cached identity if present and unexpired.
func (c *Cache) Get(fingerprint string) (*ServiceIdentity, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}

	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, fingerprint)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.identity.Clone(), true
}

// Set stores id, evicting the soonest-expiring entry when full. The expiry
// never exceeds notAfter when notAfter is set, so a cached token cannot
// outlive its own exp claim.
func (c *Cache) Set(fingerprint string, id *ServiceIdentity, notAfter time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	expires := c.now().Add(c.ttl)
	if !notAfter.IsZero() && notAfter.Before(expires) {
		expires = notAfter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.expiresAt.Before(oldest) {
				oldestKey, oldest = k, e.expiresAt
			}
		}
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
	}

	c.entries[fingerprint] = &cacheEntry{identity: id.Clone(), expiresAt: expires}
}

// Size returns the number of cached entries, expired or not.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the cumulative counters and current size.
func (c *Cache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Size(),
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}
