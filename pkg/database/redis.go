package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the bundle cache. The
// authority treats Redis as optional: a missing or unreachable cache
// degrades bundle export to a cache miss on every call rather than
// failing the command, see pkg/cache.NoOpCache.
type RedisConfig struct {
	URL string
}

// NewRedisClient connects to cfg.URL and verifies reachability with a
// Ping before returning.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// CloseRedis closes client, tolerating a nil client for the case where
// buildApp never obtained one.
func CloseRedis(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
