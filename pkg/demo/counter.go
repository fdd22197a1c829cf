package demo

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const counterPrefix = "counter:"

// Counters are shared monotonic counters, e.g. page-view statistics.
type Counters struct {
	exec Executor
}

func NewCounters(exec Executor) *Counters {
	return &Counters{exec: exec}
}

// Add increments the named counter by delta (negative to decrement) and
// returns the new value.
func (c *Counters) Add(ctx context.Context, name string, delta int64) (int64, error) {
	var value int64
	err := c.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		v, err := client.IncrBy(ctx, counterPrefix+name, delta).Result()
		value = v
		return err
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Get returns the counter's current value; a missing counter reads as 0.
func (c *Counters) Get(ctx context.Context, name string) (int64, error) {
	var value int64
	err := c.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		raw, err := client.Get(ctx, counterPrefix+name).Result()
		if errors.Is(err, redis.Nil) {
			value = 0
			return nil
		}
		if err != nil {
			return err
		}
		value, err = strconv.ParseInt(raw, 10, 64)
		return err
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Reset deletes the counter. Missing counters return ErrNotFound.
func (c *Counters) Reset(ctx context.Context, name string) error {
	var removed int64
	err := c.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		n, err := client.Del(ctx, counterPrefix+name).Result()
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
