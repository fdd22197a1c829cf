// Package discovery resolves the current writable master for a sentinel
// monitored service and publishes that belief as immutable topology
// snapshots. The coordinator is the sole topology writer; every other
// component reads snapshots and compares generations.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/topology"
)

// ErrQuorumUnreachable means fewer than a strict majority of the configured
// sentinels produced a usable answer in a discovery round.
var ErrQuorumUnreachable = errors.New("quorum of sentinels unreachable")

// State names the coordinator's position in its discovery lifecycle.
type State string

const (
	// StateBootstrapping is the initial state: no topology has been accepted
	// yet and the coordinator retries the full sentinel set with backoff.
	StateBootstrapping State = "bootstrapping"
	// StateConverged means the last round reached a strict-majority agreement.
	StateConverged State = "converged"
	// StateDegraded means quorum was lost; the last topology is served
	// stale-but-usable for a bounded grace window.
	StateDegraded State = "degraded"
	// StateReconciling means the grace window expired; the coordinator is
	// re-deriving the master deterministically from whatever answers.
	StateReconciling State = "reconciling"
)

// Monitor is the query surface the coordinator needs from one sentinel
// endpoint.
type Monitor interface {
	Addr() topology.NodeAddress
	QueryMaster(ctx context.Context, service string) (topology.MasterView, error)
	QueryReplicas(ctx context.Context, service string) ([]topology.ReplicaView, error)
	QueryPeers(ctx context.Context, service string) ([]topology.NodeAddress, error)
}

// Options tunes the coordinator's polling cadence.
type Options struct {
	// PollInterval is the background re-poll cadence once bootstrapped.
	PollInterval time.Duration
	// GraceWindow bounds how long a stale topology is served in Degraded
	// before reconciliation starts.
	GraceWindow time.Duration
}

const (
	defaultPollInterval = 5 * time.Second
	defaultGraceWindow  = 30 * time.Second
)

// Coordinator polls the sentinel set, reconciles disagreement and maintains
// the topology cache.
type Coordinator struct {
	service  string
	monitors []Monitor
	cache    *topology.Cache

	pollInterval time.Duration
	graceWindow  time.Duration

	mu            sync.RWMutex
	state         State
	degradedSince time.Time

	pollNow chan struct{}
}

// New creates a coordinator for the given service over the configured
// sentinel set. Run must be called before the cache carries a topology.
func New(service string, monitors []Monitor, cache *topology.Cache, opts Options) *Coordinator {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	graceWindow := opts.GraceWindow
	if graceWindow <= 0 {
		graceWindow = defaultGraceWindow
	}
	return &Coordinator{
		service:      service,
		monitors:     monitors,
		cache:        cache,
		pollInterval: pollInterval,
		graceWindow:  graceWindow,
		state:        StateBootstrapping,
		pollNow:      make(chan struct{}, 1),
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	if next == StateDegraded && prev != StateDegraded {
		c.degradedSince = time.Now()
	}
	c.mu.Unlock()
	if prev != next {
		klog.InfoS("Discovery state changed", "service", c.service, "from", prev, "to", next)
	}
}

func (c *Coordinator) degradedFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.degradedSince)
}

// PollNow requests an immediate discovery round from the running loop. It
// never blocks; a pending request coalesces with an already queued one.
func (c *Coordinator) PollNow() {
	select {
	case c.pollNow <- struct{}{}:
	default:
	}
}

// Run bootstraps the topology and then polls on the configured cadence until
// the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.bootstrap(ctx); err != nil {
		return fmt.Errorf("discovery bootstrap: %w", err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.InfoS("Discovery loop stopped", "service", c.service)
			return nil
		case <-ticker.C:
			c.step(ctx)
		case <-c.pollNow:
			c.step(ctx)
		}
	}
}

// bootstrap retries the full sentinel set with exponential backoff until at
// least one sentinel yields a master view. Only context cancellation makes it
// give up.
func (c *Coordinator) bootstrap(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = c.pollInterval
	bo.MaxElapsedTime = 0

	attempt := func() error {
		reports := c.poll(ctx)
		winner, ok := resolveWinner(reports)
		if !ok {
			klog.V(2).InfoS("Bootstrap round yielded no master view", "service", c.service)
			return fmt.Errorf("%w: no sentinel returned a master view", ErrQuorumUnreachable)
		}
		c.accept(reports, winner)
		c.setState(StateConverged)
		return nil
	}
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

// step runs one discovery round and applies the state machine transition for
// its outcome.
func (c *Coordinator) step(ctx context.Context) {
	if c.State() == StateReconciling {
		c.reconcile(ctx)
		return
	}

	reports := c.poll(ctx)
	winner, ok := majorityWinner(reports, c.quorum())

	switch c.State() {
	case StateConverged:
		if ok {
			c.accept(reports, winner)
			return
		}
		klog.Warningf("Lost sentinel quorum for %s, serving stale topology for up to %s",
			c.service, c.graceWindow)
		c.setState(StateDegraded)
	case StateDegraded:
		if ok {
			c.accept(reports, winner)
			c.setState(StateConverged)
			return
		}
		if c.degradedFor() >= c.graceWindow {
			klog.Warningf("Grace window expired for %s, reconciling topology", c.service)
			c.setState(StateReconciling)
			c.reconcile(ctx)
		}
	}
}

// reconcile forces a full poll and resolves the master deterministically:
// strict majority first, then most votes, highest reported replica count and
// lexicographic address order. The stale master is dropped from the cache
// only when every sentinel is unreachable.
func (c *Coordinator) reconcile(ctx context.Context) {
	reports := c.poll(ctx)

	if winner, ok := majorityWinner(reports, c.quorum()); ok {
		c.accept(reports, winner)
		c.setState(StateConverged)
		return
	}
	if winner, ok := resolveWinner(reports); ok {
		klog.InfoS("Reconciled master without quorum", "service", c.service, "master", winner)
		c.accept(reports, winner)
		c.setState(StateConverged)
		return
	}

	if c.cache.Snapshot().HasMaster() {
		snap := c.cache.DropMaster()
		klog.ErrorS(ErrQuorumUnreachable, "All sentinels unreachable, dropped stale master",
			"service", c.service, "generation", snap.Generation)
	}
}

// report is the outcome of querying one sentinel in a round.
type report struct {
	from     topology.NodeAddress
	view     topology.MasterView
	replicas []topology.ReplicaView
	peers    []topology.NodeAddress
	err      error
}

// poll fans out to every configured sentinel concurrently. Each monitor call
// carries its own timeout, so a round is bounded by the slowest single call.
func (c *Coordinator) poll(ctx context.Context) []report {
	reports := make([]report, len(c.monitors))
	var wg sync.WaitGroup
	for i, m := range c.monitors {
		wg.Add(1)
		go func(i int, m Monitor) {
			defer wg.Done()
			r := report{from: m.Addr()}
			r.view, r.err = m.QueryMaster(ctx, c.service)
			if r.err == nil {
				// Replica and peer lists are best effort refinements; their
				// absence does not void the master vote.
				if replicas, err := m.QueryReplicas(ctx, c.service); err == nil {
					r.replicas = replicas
				}
				if peers, err := m.QueryPeers(ctx, c.service); err == nil {
					r.peers = peers
				}
			}
			reports[i] = r
		}(i, m)
	}
	wg.Wait()
	return reports
}

// quorum is a strict majority of the configured sentinel set.
func (c *Coordinator) quorum() int {
	return len(c.monitors)/2 + 1
}

// majorityWinner returns the address named by at least quorum votes.
func majorityWinner(reports []report, quorum int) (topology.NodeAddress, bool) {
	counts := make(map[topology.NodeAddress]int)
	for _, r := range reports {
		if r.err == nil {
			counts[r.view.Addr]++
		}
	}
	for addr, n := range counts {
		if n >= quorum {
			return addr, true
		}
	}
	return topology.NodeAddress{}, false
}

// resolveWinner picks a master deterministically from whatever answers a
// round produced: most votes first, then the address whose sentinels report
// the most replicas, then lexicographic address order. The same inputs always
// produce the same winner, so a partitioned client fleet stays auditable.
func resolveWinner(reports []report) (topology.NodeAddress, bool) {
	type candidate struct {
		addr     topology.NodeAddress
		votes    int
		replicas int
	}
	byAddr := make(map[topology.NodeAddress]*candidate)
	for _, r := range reports {
		if r.err != nil {
			continue
		}
		cand, ok := byAddr[r.view.Addr]
		if !ok {
			cand = &candidate{addr: r.view.Addr}
			byAddr[r.view.Addr] = cand
		}
		cand.votes++
		if r.view.ReplicaCount > cand.replicas {
			cand.replicas = r.view.ReplicaCount
		}
	}
	if len(byAddr) == 0 {
		return topology.NodeAddress{}, false
	}

	candidates := make([]*candidate, 0, len(byAddr))
	for _, cand := range byAddr {
		candidates = append(candidates, cand)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].votes != candidates[j].votes {
			return candidates[i].votes > candidates[j].votes
		}
		if candidates[i].replicas != candidates[j].replicas {
			return candidates[i].replicas > candidates[j].replicas
		}
		return candidates[i].addr.Less(candidates[j].addr)
	})
	return candidates[0].addr, true
}

// accept publishes the round's outcome. Replica and sentinel lists come from
// the sentinels that voted for the winner; the configured sentinel set is
// always included. Publication is skipped when the belief did not change, so
// the generation counter moves only on accepted updates.
func (c *Coordinator) accept(reports []report, winner topology.NodeAddress) topology.Topology {
	var replicas []topology.NodeAddress
	peerSet := make(map[topology.NodeAddress]struct{}, len(c.monitors))
	for _, m := range c.monitors {
		peerSet[m.Addr()] = struct{}{}
	}
	for _, r := range reports {
		if r.err != nil || r.view.Addr != winner {
			continue
		}
		if replicas == nil && r.replicas != nil {
			replicas = make([]topology.NodeAddress, 0, len(r.replicas))
			for _, rv := range r.replicas {
				replicas = append(replicas, rv.Addr)
			}
		}
		for _, p := range r.peers {
			peerSet[p] = struct{}{}
		}
	}
	sentinels := make([]topology.NodeAddress, 0, len(peerSet))
	for p := range peerSet {
		sentinels = append(sentinels, p)
	}
	sortAddrs(sentinels)
	sortAddrs(replicas)

	next := topology.Topology{Master: winner, Replicas: replicas, Sentinels: sentinels}
	snap := c.cache.Snapshot()
	if snap.Generation > 0 && snap.Same(next) {
		klog.V(2).InfoS("Topology unchanged", "service", c.service, "generation", snap.Generation)
		return snap
	}

	published := c.cache.Publish(winner, replicas, sentinels)
	klog.InfoS("Topology updated",
		"service", c.service,
		"master", winner,
		"replicas", len(replicas),
		"sentinels", len(sentinels),
		"generation", published.Generation)
	return published
}

func sortAddrs(addrs []topology.NodeAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}
