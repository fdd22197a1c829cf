package demo

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"

	"github.com/upmio/redis-sentry/pkg/pool"
)

// execFunc adapts a function to the Executor interface. Returning an error
// without invoking the operation mimics the pool surfacing a routing or
// transport failure.
type execFunc func(ctx context.Context, op pool.Operation) error

func (f execFunc) Execute(ctx context.Context, op pool.Operation) error { return f(ctx, op) }

func failWith(err error) execFunc {
	return func(ctx context.Context, op pool.Operation) error { return err }
}

func noop() execFunc {
	return func(ctx context.Context, op pool.Operation) error { return nil }
}

func TestSessionCreateReturnsUniqueIDs(t *testing.T) {
	store := NewSessionStore(noop(), 0)

	a, err := store.Create(context.Background(), "alice", map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, err := store.Create(context.Background(), "bob", nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("Expected non-empty session IDs")
	}
	if a == b {
		t.Error("Expected distinct session IDs")
	}
}

func TestSessionGetMapsMissToNotFound(t *testing.T) {
	store := NewSessionStore(failWith(redis.Nil), 0)

	if _, err := store.Get(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a missing session, got %v", err)
	}
}

func TestSessionOpsPropagatePoolErrors(t *testing.T) {
	store := NewSessionStore(failWith(pool.ErrNoTopology), 0)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alice", nil); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Create, got %v", err)
	}
	if _, err := store.Get(ctx, "id"); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Get, got %v", err)
	}
	if err := store.Delete(ctx, "id"); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Delete, got %v", err)
	}
	if _, err := store.List(ctx); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from List, got %v", err)
	}
}

func TestSessionDeleteMissing(t *testing.T) {
	// The round trip succeeds but removes nothing.
	store := NewSessionStore(noop(), 0)
	if err := store.Delete(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound when nothing was removed, got %v", err)
	}
}

func TestCacheGetMapsMissToNotFound(t *testing.T) {
	cache := NewCache(failWith(redis.Nil))

	if _, _, err := cache.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a cache miss, got %v", err)
	}
}

func TestCacheOpsPropagatePoolErrors(t *testing.T) {
	cache := NewCache(failWith(pool.ErrNoTopology))
	ctx := context.Background()

	if err := cache.Set(ctx, "k", "v", 0); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Set, got %v", err)
	}
	if _, _, err := cache.Get(ctx, "k"); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Get, got %v", err)
	}
	if err := cache.Delete(ctx, "k"); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Delete, got %v", err)
	}
}

func TestCacheDeleteMissing(t *testing.T) {
	cache := NewCache(noop())
	if err := cache.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound when nothing was removed, got %v", err)
	}
}

func TestCountersPropagatePoolErrors(t *testing.T) {
	counters := NewCounters(failWith(pool.ErrNoTopology))
	ctx := context.Background()

	if _, err := counters.Add(ctx, "views", 1); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Add, got %v", err)
	}
	if _, err := counters.Get(ctx, "views"); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Get, got %v", err)
	}
	if err := counters.Reset(ctx, "views"); !errors.Is(err, pool.ErrNoTopology) {
		t.Errorf("Expected pool error from Reset, got %v", err)
	}
}

func TestCountersResetMissing(t *testing.T) {
	counters := NewCounters(noop())
	if err := counters.Reset(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound when nothing was removed, got %v", err)
	}
}
