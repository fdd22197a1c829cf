package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/upmio/redis-sentry/pkg/topology"
)

var errDown = errors.New("sentinel unavailable")

type fakeMonitor struct {
	addr     topology.NodeAddress
	view     topology.MasterView
	replicas []topology.ReplicaView
	peers    []topology.NodeAddress
	err      error
}

func (f *fakeMonitor) Addr() topology.NodeAddress { return f.addr }

func (f *fakeMonitor) QueryMaster(ctx context.Context, service string) (topology.MasterView, error) {
	if f.err != nil {
		return topology.MasterView{}, f.err
	}
	return f.view, nil
}

func (f *fakeMonitor) QueryReplicas(ctx context.Context, service string) ([]topology.ReplicaView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.replicas, nil
}

func (f *fakeMonitor) QueryPeers(ctx context.Context, service string) ([]topology.NodeAddress, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peers, nil
}

func addr(host string, port int) topology.NodeAddress {
	return topology.NodeAddress{Host: host, Port: port}
}

func sentinelAddr(i int) topology.NodeAddress {
	return addr("10.0.1.1", 26379+i)
}

func newFakes(masters ...topology.NodeAddress) []*fakeMonitor {
	fakes := make([]*fakeMonitor, len(masters))
	for i, m := range masters {
		fakes[i] = &fakeMonitor{
			addr: sentinelAddr(i),
			view: topology.MasterView{Addr: m, Flags: "master", ObservedAt: time.Now()},
		}
	}
	return fakes
}

func newTestCoordinator(fakes []*fakeMonitor, grace time.Duration) (*Coordinator, *topology.Cache) {
	monitors := make([]Monitor, len(fakes))
	for i, f := range fakes {
		monitors[i] = f
	}
	cache := topology.NewCache()
	c := New("mymaster", monitors, cache, Options{
		PollInterval: 10 * time.Millisecond,
		GraceWindow:  grace,
	})
	return c, cache
}

func expireGrace(c *Coordinator) {
	c.mu.Lock()
	c.degradedSince = time.Now().Add(-c.graceWindow - time.Second)
	c.mu.Unlock()
}

func TestBootstrapConvergesOnMajority(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterB := addr("10.0.0.2", 6379)
	fakes := newFakes(masterA, masterA, masterB)
	c, cache := newTestCoordinator(fakes, time.Minute)

	if c.State() != StateBootstrapping {
		t.Fatalf("Expected initial state bootstrapping, got %s", c.State())
	}
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if c.State() != StateConverged {
		t.Errorf("Expected converged, got %s", c.State())
	}

	snap := cache.Snapshot()
	if snap.Master != masterA {
		t.Errorf("Expected master %v, got %v", masterA, snap.Master)
	}
	if snap.Generation != 1 {
		t.Errorf("Expected generation 1, got %d", snap.Generation)
	}
}

func TestBootstrapNeedsOnlyOneView(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	fakes[0].err = errDown
	fakes[1].err = errDown
	c, cache := newTestCoordinator(fakes, time.Minute)

	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if got := cache.Snapshot().Master; got != masterA {
		t.Errorf("Expected master %v, got %v", masterA, got)
	}
}

func TestBootstrapGivesUpOnCancel(t *testing.T) {
	fakes := newFakes(addr("10.0.0.1", 6379))
	fakes[0].err = errDown
	c, _ := newTestCoordinator(fakes, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.bootstrap(ctx); err == nil {
		t.Error("Expected bootstrap to fail once the context expired")
	}
	if c.State() != StateBootstrapping {
		t.Errorf("Expected state to remain bootstrapping, got %s", c.State())
	}
}

func TestMajorityOutvotesMinority(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterB := addr("10.0.0.2", 6379)
	fakes := newFakes(masterA, masterA, masterB)
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	// The dissenter keeps voting B; the majority view must hold.
	c.step(context.Background())
	if got := cache.Snapshot().Master; got != masterA {
		t.Errorf("Expected master %v, got %v", masterA, got)
	}
	if c.State() != StateConverged {
		t.Errorf("Expected converged, got %s", c.State())
	}
}

func TestFailoverObservedByMajority(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterB := addr("10.0.0.2", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	preGen := cache.Generation()

	for _, f := range fakes {
		f.view.Addr = masterB
	}
	c.step(context.Background())

	snap := cache.Snapshot()
	if snap.Master != masterB {
		t.Errorf("Expected master %v after handover, got %v", masterB, snap.Master)
	}
	if snap.Generation <= preGen {
		t.Errorf("Expected generation above %d, got %d", preGen, snap.Generation)
	}
}

func TestUnchangedRoundKeepsGeneration(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	gen := cache.Generation()
	c.step(context.Background())
	c.step(context.Background())
	if cache.Generation() != gen {
		t.Errorf("Expected generation to stay %d for unchanged topology, got %d", gen, cache.Generation())
	}
}

func TestQuorumLossKeepsStaleTopology(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	fakes[0].err = errDown
	fakes[1].err = errDown
	c.step(context.Background())

	if c.State() != StateDegraded {
		t.Errorf("Expected degraded after quorum loss, got %s", c.State())
	}
	if got := cache.Snapshot().Master; got != masterA {
		t.Errorf("Expected stale master %v to survive, got %v", masterA, got)
	}
}

func TestDegradedRecoversWithinGrace(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, _ := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	fakes[0].err = errDown
	fakes[1].err = errDown
	c.step(context.Background())
	if c.State() != StateDegraded {
		t.Fatalf("Expected degraded, got %s", c.State())
	}

	fakes[0].err = nil
	fakes[1].err = nil
	c.step(context.Background())
	if c.State() != StateConverged {
		t.Errorf("Expected converged after quorum returned, got %s", c.State())
	}
}

func TestOutageWalksStatesInOrder(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterD := addr("10.0.0.4", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	for _, f := range fakes {
		f.err = errDown
	}

	// First failing round: converged -> degraded, never straight to
	// reconciling even though every sentinel is already gone.
	c.step(context.Background())
	if c.State() != StateDegraded {
		t.Fatalf("Expected degraded, got %s", c.State())
	}
	if !cache.Snapshot().HasMaster() {
		t.Fatal("Expected stale master to be served during grace")
	}

	// Second failing round before the grace window expires: still degraded.
	c.step(context.Background())
	if c.State() != StateDegraded {
		t.Fatalf("Expected degraded within grace, got %s", c.State())
	}

	// Grace expires with everything still down: reconciling, and only now is
	// the stale master dropped. The replica and sentinel lists survive.
	expireGrace(c)
	c.step(context.Background())
	if c.State() != StateReconciling {
		t.Fatalf("Expected reconciling, got %s", c.State())
	}
	snap := cache.Snapshot()
	if snap.HasMaster() {
		t.Error("Expected master to be dropped after grace expired with all sentinels down")
	}
	if len(snap.Sentinels) == 0 {
		t.Error("Expected sentinel list to survive the drop")
	}

	// Sentinels come back agreeing on a new master: reconciling -> converged.
	for _, f := range fakes {
		f.err = nil
		f.view.Addr = masterD
	}
	c.step(context.Background())
	if c.State() != StateConverged {
		t.Errorf("Expected converged after recovery, got %s", c.State())
	}
	if got := cache.Snapshot().Master; got != masterD {
		t.Errorf("Expected master %v, got %v", masterD, got)
	}
}

func TestReconcilingResolvesSplitVoteDeterministically(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterB := addr("10.0.0.2", 6379)
	masterC := addr("10.0.0.3", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	// Three-way split with B reporting the most replicas.
	fakes[0].view = topology.MasterView{Addr: masterA, ReplicaCount: 1}
	fakes[1].view = topology.MasterView{Addr: masterB, ReplicaCount: 4}
	fakes[2].view = topology.MasterView{Addr: masterC, ReplicaCount: 2}

	c.step(context.Background())
	if c.State() != StateDegraded {
		t.Fatalf("Expected degraded on split vote, got %s", c.State())
	}

	expireGrace(c)
	c.step(context.Background())
	if c.State() != StateConverged {
		t.Fatalf("Expected converged after reconciliation, got %s", c.State())
	}
	if got := cache.Snapshot().Master; got != masterB {
		t.Errorf("Expected replica-count tie-break to pick %v, got %v", masterB, got)
	}
}

func TestResolveWinnerOrdering(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterB := addr("10.0.0.2", 6379)

	tests := []struct {
		name     string
		reports  []report
		expected topology.NodeAddress
	}{
		{
			name: "more votes wins over replica count",
			reports: []report{
				{view: topology.MasterView{Addr: masterA, ReplicaCount: 0}},
				{view: topology.MasterView{Addr: masterA, ReplicaCount: 0}},
				{view: topology.MasterView{Addr: masterB, ReplicaCount: 9}},
			},
			expected: masterA,
		},
		{
			name: "replica count breaks vote tie",
			reports: []report{
				{view: topology.MasterView{Addr: masterA, ReplicaCount: 1}},
				{view: topology.MasterView{Addr: masterB, ReplicaCount: 3}},
			},
			expected: masterB,
		},
		{
			name: "address order breaks full tie",
			reports: []report{
				{view: topology.MasterView{Addr: masterB, ReplicaCount: 2}},
				{view: topology.MasterView{Addr: masterA, ReplicaCount: 2}},
			},
			expected: masterA,
		},
		{
			name: "failed reports do not vote",
			reports: []report{
				{view: topology.MasterView{Addr: masterA}, err: errDown},
				{view: topology.MasterView{Addr: masterA}, err: errDown},
				{view: topology.MasterView{Addr: masterB}},
			},
			expected: masterB,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, ok := resolveWinner(tt.reports)
			if !ok {
				t.Fatal("Expected a winner")
			}
			if winner != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, winner)
			}
		})
	}

	t.Run("no reachable sentinel", func(t *testing.T) {
		if _, ok := resolveWinner([]report{{err: errDown}}); ok {
			t.Error("Expected no winner when every report failed")
		}
	})
}

func TestMajorityWinnerIsStrict(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	masterB := addr("10.0.0.2", 6379)

	reports := []report{
		{view: topology.MasterView{Addr: masterA}},
		{view: topology.MasterView{Addr: masterB}},
		{err: errDown},
	}
	if _, ok := majorityWinner(reports, 2); ok {
		t.Error("One vote each must not reach a quorum of 2")
	}

	reports[1].view.Addr = masterA
	winner, ok := majorityWinner(reports, 2)
	if !ok || winner != masterA {
		t.Errorf("Expected %v to win with 2 of 3 votes, got %v (ok=%v)", masterA, winner, ok)
	}
}

func TestAcceptMergesPeersAndReplicas(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	replica := addr("10.0.0.2", 6379)
	extraPeer := addr("10.0.9.9", 26379)

	fakes := newFakes(masterA, masterA, masterA)
	fakes[0].replicas = []topology.ReplicaView{{Addr: replica, LinkStatus: "ok"}}
	fakes[1].peers = []topology.NodeAddress{extraPeer}
	c, cache := newTestCoordinator(fakes, time.Minute)
	if err := c.bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	snap := cache.Snapshot()
	if len(snap.Replicas) != 1 || snap.Replicas[0] != replica {
		t.Errorf("Expected replica list [%v], got %v", replica, snap.Replicas)
	}

	// Configured sentinels plus the reported peer.
	if len(snap.Sentinels) != len(fakes)+1 {
		t.Fatalf("Expected %d sentinels, got %v", len(fakes)+1, snap.Sentinels)
	}
	found := false
	for _, s := range snap.Sentinels {
		if s == extraPeer {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected reported peer %v in sentinel list %v", extraPeer, snap.Sentinels)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	masterA := addr("10.0.0.1", 6379)
	fakes := newFakes(masterA, masterA, masterA)
	c, cache := newTestCoordinator(fakes, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for cache.Generation() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for bootstrap")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.PollNow() // must never block
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
