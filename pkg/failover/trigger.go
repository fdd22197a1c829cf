// Package failover implements the operator-invoked handover: ask one
// reachable sentinel to replace the master, then verify that discovery
// observed a new topology before the deadline.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/sentinel"
	"github.com/upmio/redis-sentry/pkg/topology"
)

var (
	// ErrRejected means the chosen sentinel explicitly refused the failover
	// request. Never retried automatically.
	ErrRejected = errors.New("failover rejected")
	// ErrTimedOut means the request was accepted but no topology change was
	// observed before the verification deadline.
	ErrTimedOut = errors.New("failover verification timed out")
	// ErrNoSentinel means no sentinel answered a reachability probe, so the
	// request was never issued.
	ErrNoSentinel = errors.New("no reachable sentinel")
)

// Outcome is the terminal result of one trigger invocation.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed-out"
)

// Monitor is the sentinel surface the trigger needs.
type Monitor interface {
	Addr() topology.NodeAddress
	Ping(ctx context.Context) error
	ForceFailover(ctx context.Context, service string) error
}

// Poker requests an immediate discovery round.
type Poker interface {
	PollNow()
}

// Options tunes verification after an accepted failover.
type Options struct {
	// VerifyTimeout bounds how long the trigger waits for the topology
	// generation to advance with a changed master.
	VerifyTimeout time.Duration
	// CheckInterval is the cadence of verification checks.
	CheckInterval time.Duration
}

const (
	defaultVerifyTimeout = 30 * time.Second
	defaultCheckInterval = 250 * time.Millisecond
)

// Trigger coordinates one explicit handover. It is not part of the
// steady-state path.
type Trigger struct {
	service       string
	monitors      []Monitor
	cache         *topology.Cache
	coord         Poker
	verifyTimeout time.Duration
	checkInterval time.Duration
}

func New(service string, monitors []Monitor, cache *topology.Cache, coord Poker, opts Options) *Trigger {
	verifyTimeout := opts.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = defaultVerifyTimeout
	}
	checkInterval := opts.CheckInterval
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	return &Trigger{
		service:       service,
		monitors:      monitors,
		cache:         cache,
		coord:         coord,
		verifyTimeout: verifyTimeout,
		checkInterval: checkInterval,
	}
}

// Force asks one reachable sentinel for a failover and waits for discovery to
// confirm the handover. Success requires both a generation advance and a
// master address different from the pre-trigger one; an accepted request with
// no observed change reports timed-out, never success.
func (t *Trigger) Force(ctx context.Context) (Outcome, error) {
	pre := t.cache.Snapshot()

	m, err := t.pickReachable(ctx)
	if err != nil {
		return OutcomeNone, err
	}
	klog.InfoS("Requesting failover", "service", t.service, "sentinel", m.Addr(), "currentMaster", pre.Master)

	if err := m.ForceFailover(ctx, t.service); err != nil {
		if errors.Is(err, sentinel.ErrRejected) {
			return OutcomeRejected, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return OutcomeNone, fmt.Errorf("failover request to %s: %w", m.Addr(), err)
	}

	return t.verify(ctx, pre)
}

func (t *Trigger) pickReachable(ctx context.Context) (Monitor, error) {
	for _, m := range t.monitors {
		if err := m.Ping(ctx); err == nil {
			return m, nil
		}
	}
	return nil, ErrNoSentinel
}

func (t *Trigger) verify(ctx context.Context, pre topology.Topology) (Outcome, error) {
	deadline := time.NewTimer(t.verifyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	t.coord.PollNow()
	for {
		select {
		case <-ctx.Done():
			return OutcomeTimedOut, fmt.Errorf("%w: %v", ErrTimedOut, ctx.Err())
		case <-deadline.C:
			return OutcomeTimedOut, fmt.Errorf("%w after %s", ErrTimedOut, t.verifyTimeout)
		case <-ticker.C:
			snap := t.cache.Snapshot()
			if snap.Generation > pre.Generation && snap.HasMaster() && snap.Master != pre.Master {
				klog.InfoS("Failover confirmed",
					"service", t.service,
					"oldMaster", pre.Master,
					"newMaster", snap.Master,
					"generation", snap.Generation)
				return OutcomeSucceeded, nil
			}
			t.coord.PollNow()
		}
	}
}
