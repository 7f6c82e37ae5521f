// Package cache is a Redis-backed JSON cache with a key prefix and TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the subset of *redis.Client the cache uses.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Options configures NewClient.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection with PING.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// JSON stores values of type T as JSON strings under prefix.
type JSON[T any] struct {
	rdb    Store
	prefix string
	ttl    time.Duration
}

// New returns a cache writing keys as "<prefix>:<key>". A zero ttl keeps
// entries until purged.
func New[T any](rdb Store, prefix string, ttl time.Duration) *JSON[T] {
	return &JSON[T]{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *JSON[T]) key(k string) string { return c.prefix + ":" + k }

// Get returns the cached value and whether it was present.
func (c *JSON[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores v under key.
func (c *JSON[T]) Set(ctx context.Context, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Purge deletes every key under the prefix and returns how many went.
func (c *JSON[T]) Purge(ctx context.Context) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+":*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache: scan %s: %w", c.prefix, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache: purge %s: %w", c.prefix, err)
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Key hashes parts into a fixed-length cache key.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
