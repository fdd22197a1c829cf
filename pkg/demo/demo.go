// Package demo contains small example callers of the coordinator: a session
// store, a TTL cache and counters, ported from the interactive demo this
// project replaces. They exist to exercise the pool's redirect path with
// realistic traffic, not to be a production data layer.
package demo

import (
	"context"
	"errors"

	"github.com/upmio/redis-sentry/pkg/pool"
)

// ErrNotFound is returned when a session, cache entry or counter does not
// exist (or has expired).
var ErrNotFound = errors.New("not found")

// Executor routes one store operation to the current master. Satisfied by
// sentry.Client.
type Executor interface {
	Execute(ctx context.Context, op pool.Operation) error
}
