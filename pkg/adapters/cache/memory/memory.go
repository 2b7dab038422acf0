package memory

import (
	"context"
	"sync"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// InMemoryCache implements the provisioning cache with an in-process map.
// It backs the single-process CLI and tests; entries never expire.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]domain.CacheEntry
}

// NewInMemoryCache creates a new in-memory provisioning cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[string]domain.CacheEntry),
	}
}

// Probe looks up a cache entry by key.
func (c *InMemoryCache) Probe(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Save stores a cache entry under its key. Last write wins.
func (c *InMemoryCache) Save(ctx context.Context, entry *domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entry.Key] = *entry
	return nil
}
