// Package cache holds ports.StateCache implementations for resolved graph
// states.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
)

// InMemoryCache provides a process-local state cache
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	clock func() time.Time
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	state     *aggregates.GraphState
	expiresAt time.Time
}

var _ ports.StateCache = (*InMemoryCache)(nil)

// NewInMemoryCache creates a new in-memory cache that sweeps expired
// entries every interval until Close
func NewInMemoryCache(interval time.Duration) *InMemoryCache {
	cache := &InMemoryCache{
		items: make(map[string]cacheItem),
		clock: time.Now,
		stop:  make(chan struct{}),
	}

	if interval > 0 {
		go cache.cleanupExpired(interval)
	}

	return cache
}

// Get retrieves a copy of the cached state
func (c *InMemoryCache) Get(ctx context.Context, key string) (*aggregates.GraphState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || c.clock().After(item.expiresAt) {
		return nil, false
	}
	return item.state.Clone(), true
}

// Set stores a copy of the state
func (c *InMemoryCache) Set(ctx context.Context, key string, state *aggregates.GraphState, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem{
		state:     state.Clone(),
		expiresAt: c.clock().Add(ttl),
	}
	return nil
}

// InvalidatePrefix removes every entry whose key starts with prefix
func (c *InMemoryCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
	return nil
}

// Len returns the number of entries, expired or not
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweeper
func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

// cleanupExpired periodically removes expired items
func (c *InMemoryCache) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}
