// Package cache backs the license bundle export path (see
// internal/licensing/bundle) with Redis, behind an interface that degrades
// to a no-op when Redis is unavailable so bundle reads always fall back to
// Postgres. Active-signing-key lookups in the keystore are not cached.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the subset of caching operations the bundle exporter needs.
type Cache interface {
	// Get retrieves a value from cache and unmarshals it into dest.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes one or more keys, used to invalidate a scope's bundle
	// or active-key entry after a rotation or revocation.
	Delete(ctx context.Context, keys ...string) error

	// Exists checks if a key exists in cache.
	Exists(ctx context.Context, key string) (bool, error)

	// IsEnabled reports whether this Cache actually caches, so callers can
	// skip optimistic reads against a NoOpCache.
	IsEnabled() bool
}

// RedisCache implements Cache over a *redis.Client.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps client as a Cache, falling back to NoOpCache if
// client is nil.
func NewRedisCache(client *redis.Client) Cache {
	if client == nil {
		return &NoOpCache{}
	}
	return &RedisCache{client: client}
}

// Get retrieves a value from Redis and unmarshals it.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in Redis with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes values from Redis.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Exists checks if a key exists in Redis.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// IsEnabled returns true for RedisCache.
func (c *RedisCache) IsEnabled() bool {
	return true
}

// NoOpCache is the Cache used when no Redis client could be reached at
// startup. Every read is a deliberate miss so bundle export falls through
// to Postgres instead of failing.
type NoOpCache struct{}

// Get always reports a cache miss.
func (c *NoOpCache) Get(ctx context.Context, key string, dest interface{}) error {
	return redis.Nil
}

// Set does nothing.
func (c *NoOpCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

// Delete does nothing.
func (c *NoOpCache) Delete(ctx context.Context, keys ...string) error {
	return nil
}

// Exists always reports absence.
func (c *NoOpCache) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// IsEnabled returns false for NoOpCache.
func (c *NoOpCache) IsEnabled() bool {
	return false
}
