package store

import (
	"context"
	"sync"
	"time"
)

var _ Cache = (*MemoryCache)(nil)

type cacheEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCache is the single-process Cache. Expired entries are evicted by a
// background loop and ignored on read until then.
type MemoryCache struct {
	mu            sync.Mutex
	entries       map[string]*cacheEntry
	now           func() time.Time
	cleanupCancel context.CancelFunc
}

func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &MemoryCache{
		entries:       make(map[string]*cacheEntry),
		now:           time.Now,
		cleanupCancel: cancel,
	}
	go c.cleanupLoop(ctx, cleanupInterval)
	return c
}

func (c *MemoryCache) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key = nonceKey(key)
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	c.entries[key] = &cacheEntry{count: 1, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key = counterKey(key)
	now := c.now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &cacheEntry{expiresAt: now.Add(window)}
		c.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (c *MemoryCache) Close() error {
	if c.cleanupCancel != nil {
		c.cleanupCancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	return nil
}

func (c *MemoryCache) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Nonces and counters share the entries map under separate prefixes, the
// same layout RedisCache uses.
func nonceKey(key string) string { return "nonce:" + key }

func counterKey(key string) string { return "ratelimit:" + key }
