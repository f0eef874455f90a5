package cache

import (
	"context"
	"fmt"
	"time"

	"example.com/atlas/services/orchestrator/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisCache provides short-lived dedup keys using Redis. Event handlers use
// it to suppress duplicate side effects on job redelivery.
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Client exposes the underlying Redis client for collaborators that need
// more than the dedup surface (the notifier publishes through it).
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// ClaimOnce atomically claims a dedup key. It returns true the first time a
// key is seen within the TTL and false on duplicates. With caching disabled
// every claim succeeds, falling back to at-least-once semantics.
func (c *RedisCache) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !c.enabled {
		return true, nil
	}

	ok, err := c.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to claim dedup key")
	}
	return ok, nil
}

// Release drops a dedup key so the side effect can be retried, used when the
// claimed operation failed before completing.
func (c *RedisCache) Release(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

// EventDedupKey generates a dedup key for a handler processing an event.
func EventDedupKey(handler, eventID string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, eventID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
