package demo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const cachePrefix = "cache:"

// Cache is a TTL key-value cache in front of a slow backend.
type Cache struct {
	exec Executor
}

func NewCache(exec Executor) *Cache {
	return &Cache{exec: exec}
}

// Set stores a value under the given TTL (5m when zero).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return c.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, cachePrefix+key, value, ttl).Err()
	})
}

// Get returns the value and its remaining TTL, or ErrNotFound on a miss.
func (c *Cache) Get(ctx context.Context, key string) (string, time.Duration, error) {
	var (
		value     string
		remaining time.Duration
	)
	err := c.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		v, err := client.Get(ctx, cachePrefix+key).Result()
		if err != nil {
			return err
		}
		value = v
		remaining, err = client.TTL(ctx, cachePrefix+key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, err
	}
	return value, remaining, nil
}

// Delete drops a cached entry. Missing entries return ErrNotFound.
func (c *Cache) Delete(ctx context.Context, key string) error {
	var removed int64
	err := c.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		n, err := client.Del(ctx, cachePrefix+key).Result()
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}
