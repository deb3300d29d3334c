// Package cache stores aggregation results in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
)

// DefaultPrefix namespaces result keys.
const DefaultPrefix = "lens:result"

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// RedisCache implements the orchestrator result cache on Redis.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return fmt.Sprintf("%s:%s", c.prefix, k)
}

// Get returns the cached result for key.
func (c *RedisCache) Get(ctx context.Context, key string) (*domain.AggregationResult, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(err, apperr.CodeCacheFailure, "redis get")
	}

	var res domain.AggregationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		// A corrupt entry is dropped and reported as a miss.
		_ = c.rdb.Del(ctx, c.key(key)).Err()
		return nil, false, nil
	}
	return &res, true, nil
}

// Set stores res under key for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, res *domain.AggregationResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return apperr.Wrap(err, apperr.CodeCacheFailure, "redis set")
	}
	return nil
}

// Purge removes every cached result under the prefix.
func (c *RedisCache) Purge(ctx context.Context) (int, error) {
	var removed int
	iter := c.rdb.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, apperr.Wrap(err, apperr.CodeCacheFailure, "redis del")
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, apperr.Wrap(err, apperr.CodeCacheFailure, "redis scan")
	}
	return removed, nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
