// ABOUTME: Thread-safe TTL cache for suppressing duplicate inbound deliveries
// ABOUTME: Webhook retries carrying an already processed channel message id are dropped

package dedupe

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a processed delivery is remembered.
const DefaultTTL = 24 * time.Hour

// DefaultMaxSize bounds the number of remembered keys.
const DefaultMaxSize = 100_000

// Cache tracks seen delivery keys for a TTL. Expired entries are swept by
// go-cache's janitor. When the cache is full after sweeping, new keys are not
// remembered and are treated as unseen.
type Cache struct {
	mu      sync.Mutex
	items   *gocache.Cache
	ttl     time.Duration
	maxSize int
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// Non-positive values select the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	cleanup := ttl
	if cleanup > time.Minute {
		cleanup = time.Minute
	}
	return &Cache{
		items:   gocache.New(ttl, cleanup),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	_, ok := c.items.Get(key)
	return ok
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.items.Get(key); ok {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records that a key has been seen, refreshing its TTL.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.markLocked(key)
	}
}

func (c *Cache) markLocked(key string) {
	if _, ok := c.items.Get(key); !ok && c.items.ItemCount() >= c.maxSize {
		c.items.DeleteExpired()
		if c.items.ItemCount() >= c.maxSize {
			return
		}
	}
	c.items.SetDefault(key, struct{}{})
}

// Len returns the number of remembered keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Close forgets all keys and stops remembering new ones. It is safe to call
// multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.items.Flush()
		c.closed = true
	}
}
