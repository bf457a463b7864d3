package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/hash/sha256"
)

const cacheKeyPrefix = "zonecrawler:search:"

// KV is the subset of the go-redis client used by the cache.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cached decorates a Searcher with a Redis-backed result cache. Cache errors
// are logged and fall through to the provider.
type Cached struct {
	next   Searcher
	kv     KV
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps next.
func NewCached(next Searcher, kv KV, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, kv: kv, ttl: ttl, logger: logger}
}

// Search implements Searcher.
func (c *Cached) Search(ctx context.Context, query string) ([]Hit, error) {
	key := cacheKey(query)
	data, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var hits []Hit
		if jsonErr := json.Unmarshal(data, &hits); jsonErr == nil {
			return hits, nil
		}
		c.logger.Warn("discarding corrupt search cache entry", zap.String("query", query))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("search cache read failed", zap.String("query", query), zap.Error(err))
	}

	hits, err := c.next.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return hits, nil
	}
	payload, err := json.Marshal(hits)
	if err != nil {
		return nil, fmt.Errorf("marshal search hits: %w", err)
	}
	if err := c.kv.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("search cache write failed", zap.String("query", query), zap.Error(err))
	}
	return hits, nil
}

func cacheKey(query string) string {
	return cacheKeyPrefix + sha256.Sum(query)[:32]
}
