// Package cache stores serialized analytics results keyed by their query parameters.
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

	"github.com/millpulse/backend/internal/config"
	"github.com/redis/go-redis/v9"
)

// generationKey holds the counter that is part of every result key
const generationKey = "generation"

// ResultCache is the analytics result cache. A miss is (false, nil).
// Results are keyed by the current generation; Invalidate moves to a new one so results
// computed before new events arrived are never served again.
type ResultCache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Generation(ctx context.Context) (int64, error)
	Invalidate(ctx context.Context) error
	Close() error
}

// Key derives a stable cache key from an analyzer name and its normalized parameters
func Key(analyzer string, params ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(params, "\x1f")))
	return analyzer + ":" + hex.EncodeToString(sum[:16])
}

// Noop never stores anything; it is used when Redis is disabled
type Noop struct{}

func (Noop) Get(context.Context, string, interface{}) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, interface{}) error         { return nil }
func (Noop) Generation(context.Context) (int64, error)              { return 0, nil }
func (Noop) Invalidate(context.Context) error                       { return nil }
func (Noop) Close() error                                           { return nil }

// RedisCache keeps JSON encoded results in Redis with a fixed TTL
type RedisCache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCache connects to Redis and verifies the connection with a ping
func NewRedisCache(cfg *config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     ttl,
		timeout: timeout,
	}, nil
}

// Get decodes the cached value for key into dst
func (c *RedisCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return true, nil
}

// Set stores value under key for the configured TTL
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Generation returns the current result generation, 0 before the first Invalidate
func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	gen, err := c.client.Get(ctx, c.prefix+generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// Invalidate increments the generation. Entries of older generations expire with their TTL.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Incr(ctx, c.prefix+generationKey).Err(); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// New returns a Redis cache when enabled, otherwise Noop
func New(cfg *config.RedisConfig, ttl time.Duration) (ResultCache, error) {
	if cfg == nil || !cfg.Enabled || ttl <= 0 {
		return Noop{}, nil
	}
	return NewRedisCache(cfg, ttl)
}
