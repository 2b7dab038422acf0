package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Cache implements the provisioning cache on Redis. Entries expire after
// the configured TTL; concurrent writers for the same key resolve by last
// write wins, which is safe because entries are advisory.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCache creates a new Redis provisioning cache.
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Probe looks up a cache entry by key. A missing entry is (nil, false,
// nil); an undecodable entry counts as missing too.
func (c *Cache) Probe(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	data, err := c.client.Get(ctx, getCacheKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("discarding undecodable cache entry",
			zap.String("key", key),
			zap.Error(err))
		return nil, false, nil
	}

	return &entry, true, nil
}

// Save stores a cache entry under its key with the configured TTL.
func (c *Cache) Save(ctx context.Context, entry *domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.client.Set(ctx, getCacheKey(entry.Key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	c.logger.Debug("cache entry saved",
		zap.String("key", entry.Key),
		zap.String("os", entry.OS))

	return nil
}

// getCacheKey returns the Redis key for a cache entry.
func getCacheKey(key string) string {
	return fmt.Sprintf("checkrun:cache:%s", key)
}
