package httpclient

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// responseCache memoizes raw response bodies keyed by (url, body-hash) for
// a fixed TTL: internally thread-safe response caching with a 30s TTL.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	ttl     time.Duration
	now     func() time.Time
}

type cachedResponse struct {
	status   int
	body     []byte
	storedAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		entries: make(map[string]cachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func cacheKey(url string, body []byte) string {
	h := sha256.Sum256(body)
	return url + "#" + hex.EncodeToString(h[:])
}

func (c *responseCache) get(url string, body []byte) (cachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(url, body)]
	if !ok {
		return cachedResponse{}, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, cacheKey(url, body))
		return cachedResponse{}, false
	}
	return entry, true
}

func (c *responseCache) put(url string, body []byte, status int, respBody []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(url, body)] = cachedResponse{
		status:   status,
		body:     respBody,
		storedAt: c.now(),
	}
}
