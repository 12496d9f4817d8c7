package cache

import (
	"sync"
	"time"

	"github.com/keylinehq/keyline/internal/clock"
)

// Cache is a bounded-lifetime key/value store for hot-path lookups.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[K]entry[V]
}

// NewTTLCache returns an in-memory cache with lazy expiry: stale
// entries are dropped on read, and swept wholesale when the map grows
// past sweepThreshold.
func NewTTLCache[K comparable, V any](clk clock.Clock) Cache[K, V] {
	return &ttlCache[K, V]{
		clock:   clk,
		entries: make(map[K]entry[V]),
	}
}

const sweepThreshold = 4096

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if c.clock.Now().After(e.expiresAt) {
		c.Delete(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= sweepThreshold {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
