package transport

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/mfallon/opsgate/internal/util"
)

// responseCache holds successful GET responses keyed by a fingerprint of
// endpoint + serialized body. Entries are evicted lazily on expired reads
// and opportunistically when the cache grows past its cap.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	resp      *Response
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, cap int) *responseCache {
	return &responseCache{
		ttl:     ttl,
		cap:     cap,
		entries: make(map[string]cacheEntry),
	}
}

// cacheKey fingerprints a request for cache lookup.
func cacheKey(endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(body)
	return util.HexEncode(h.Sum(nil))
}

func (c *responseCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.resp, true
}

func (c *responseCache) put(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.cap {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{resp: resp, expiresAt: time.Now().Add(c.ttl)}
}

// evictLocked drops expired entries first; if the cache is still full it
// drops the entries closest to expiry until under the cap.
func (c *responseCache) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.cap {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.expiresAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.expiresAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
