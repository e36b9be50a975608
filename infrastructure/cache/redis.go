package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
)

// scanBatch is the COUNT hint used while invalidating
const scanBatch = 200

// RedisStateCache keeps resolved states in redis so that every API
// instance shares them. States are stored as the graph JSON.
type RedisStateCache struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

var _ ports.StateCache = (*RedisStateCache)(nil)

// NewRedisStateCache creates a cache over an existing client
func NewRedisStateCache(rdb redis.UniversalClient, logger *zap.Logger) *RedisStateCache {
	return &RedisStateCache{rdb: rdb, logger: logger}
}

// NewRedisClient parses a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Get returns the cached state. Any redis or decoding failure is a miss.
func (c *RedisStateCache) Get(ctx context.Context, key string) (*aggregates.GraphState, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("State cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	state := aggregates.NewGraphState()
	if err := state.UnmarshalJSON(data); err != nil {
		c.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.rdb.Del(ctx, key).Err()
		return nil, false
	}
	return state, true
}

// Set stores the state with a ttl
func (c *RedisStateCache) Set(ctx context.Context, key string, state *aggregates.GraphState, ttl time.Duration) error {
	data, err := state.MarshalJSON()
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// InvalidatePrefix deletes every key starting with prefix using SCAN
func (c *RedisStateCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	deleted := 0
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted += len(batch)
	}

	c.logger.Debug("Invalidated state cache",
		zap.String("prefix", prefix),
		zap.Int("keys", deleted),
	)
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
