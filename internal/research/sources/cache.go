package sources

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores search results in redis keyed by provider and query. All
// methods are nil-safe; a nil Cache is a disabled cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache wraps the redis client with the given entry TTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached results for key, if present.
func (c *Cache) Get(ctx context.Context, key string) ([]Result, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	return results, true
}

// Put stores results under key. Failures are dropped; the cache is an
// optimisation, not a dependency.
func (c *Cache) Put(ctx context.Context, key string, results []Result) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key, data, c.ttl).Err()
}

func cacheKey(provider, query string, k int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d", provider, query, k)))
	return "rac:search:" + hex.EncodeToString(sum[:])
}
