package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"ExpertChat/internal/session"
)

// CachedResponse represents a cached provider response
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Cache is a concurrency-safe response cache. A zero ttl keeps entries forever.
type Cache struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Load returns a cached response that has not expired
func (c *Cache) Load(key string) (string, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if c.ttl > 0 && c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

// Store stores a response in cache
func (c *Cache) Store(key, response string) {
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: c.now(),
	})
}

// GenerateCacheKey generates a cache key from messages
func GenerateCacheKey(messages []session.ChatMessage) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Message))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
