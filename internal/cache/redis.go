package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pgx-cds-server/internal/domain"
)

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	URL         string
	DefaultTTL  time.Duration
	PoolSize    int
	PoolTimeout time.Duration
}

// RedisCache shares assessment results between server instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: cfg.DefaultTTL}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Assessment, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached assessment: %w", err)
	}

	a, err := decode(val)
	if err != nil {
		// Remove corrupted entry
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return a, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, assessment *domain.Assessment) error {
	data, err := encode(assessment)
	if err != nil {
		return fmt.Errorf("encoding assessment: %w", err)
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
