// Package pool owns the live connection to the resolved master and redirects
// it when the topology names a new one. Callers never see an address; they
// hand the pool an operation and the pool runs it against whichever node is
// currently writable.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/topology"
)

// ErrNoTopology means no discovery round has produced a master yet, or the
// coordinator dropped the master during reconciliation.
var ErrNoTopology = errors.New("no active master in topology")

// Operation runs against the connection currently bound to the master.
type Operation func(ctx context.Context, client *redis.Client) error

// Dialer opens a store connection to one node.
type Dialer func(addr topology.NodeAddress) *redis.Client

// DefaultDialer dials the store with the given credential and per-call
// timeouts. go-redis connects lazily, so dialing itself never blocks.
func DefaultDialer(password string, timeout time.Duration) Dialer {
	return func(addr topology.NodeAddress) *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:         addr.String(),
			Password:     password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})
	}
}

// Pool serializes connection swaps behind a single mutation path so two
// concurrent callers can never open duplicate connections to the same
// stale or new address.
type Pool struct {
	cache *topology.Cache
	dial  Dialer

	mu     sync.Mutex
	conn   *bound
	closed bool
}

// bound is one live connection pinned to a master address. It is destroyed
// and replaced, never repaired, once its address no longer matches the
// topology.
type bound struct {
	client   *redis.Client
	addr     topology.NodeAddress
	inflight sync.WaitGroup
}

// New creates a pool reading master addresses from the given cache.
func New(cache *topology.Cache, dial Dialer) *Pool {
	return &Pool{cache: cache, dial: dial}
}

// Execute runs op against the current master. If the bound connection's
// address is stale it is drained and replaced before dispatch. A
// connection-level failure is retried exactly once, and only when a newer
// topology generation is available at retry time; everything else surfaces
// to the caller unchanged.
func (p *Pool) Execute(ctx context.Context, op Operation) error {
	b, gen, err := p.acquire()
	if err != nil {
		return err
	}
	err = p.run(ctx, b, op)
	if err == nil || !isConnError(err) {
		return err
	}

	if p.cache.Generation() == gen {
		return fmt.Errorf("store connection to %s: %w", b.addr, err)
	}

	klog.InfoS("Retrying operation after topology change", "staleAddr", b.addr)
	b, _, acquireErr := p.acquire()
	if acquireErr != nil {
		return acquireErr
	}
	if err := p.run(ctx, b, op); err != nil {
		return fmt.Errorf("store connection to %s after redirect: %w", b.addr, err)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, b *bound, op Operation) error {
	defer b.inflight.Done()
	return op(ctx, b.client)
}

// BoundAddr returns the address of the currently bound connection, zero when
// none is open.
func (p *Pool) BoundAddr() topology.NodeAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return topology.NodeAddress{}
	}
	return p.conn.addr
}

// Close drains the bound connection and releases it. The pool is unusable
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	b := p.conn
	p.conn = nil
	p.closed = true
	p.mu.Unlock()
	if b == nil {
		return nil
	}
	b.inflight.Wait()
	return b.client.Close()
}

// acquire returns the connection bound to the topology's current master,
// swapping out a stale one first, plus the generation the binding decision was
// made against. The snapshot is taken inside the critical section: publishes
// are monotonic, so serialized acquires can never swap the pool back to an
// address an earlier acquire already replaced. The returned connection carries
// an in-flight reservation that run releases.
func (p *Pool) acquire() (*bound, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, 0, errors.New("pool is closed")
	}

	snap := p.cache.Snapshot()
	if !snap.HasMaster() {
		return nil, 0, ErrNoTopology
	}

	if p.conn == nil || p.conn.addr != snap.Master {
		stale := p.conn
		p.conn = &bound{
			client: p.dial(snap.Master),
			addr:   snap.Master,
		}
		if stale != nil {
			klog.InfoS("Redirecting pool to new master", "from", stale.addr, "to", snap.Master)
			// Graceful drain: in-flight operations finish on the old
			// connection, then it closes in the background.
			go func() {
				stale.inflight.Wait()
				if err := stale.client.Close(); err != nil {
					klog.ErrorS(err, "Failed to close stale connection", "addr", stale.addr)
				}
			}()
		} else {
			klog.InfoS("Pool bound to master", "addr", snap.Master)
		}
	}
	p.conn.inflight.Add(1)
	return p.conn, snap.Generation, nil
}

// isConnError distinguishes transport failures, which a redirected retry can
// absorb, from store replies and caller cancellation, which it cannot.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
