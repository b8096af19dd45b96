package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "postscope:subquery:"

// Cache stores successful sub-query results in Redis.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache wraps a Redis client. A zero ttl keeps entries forever.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// DialCache connects to addr and verifies the connection.
func DialCache(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewCache(rdb, ttl), nil
}

// Get returns the cached items for query. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, query string) (items []Item, ok bool, err error) {
	data, err := c.rdb.Get(ctx, cacheKeyPrefix+query).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache: %w", err)
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, fmt.Errorf("decoding cached items: %w", err)
	}
	return items, true, nil
}

// Set stores items for query.
func (c *Cache) Set(ctx context.Context, query string, items []Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding items: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+query, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
