// Package sentinel implements the monitor client: typed queries against a
// single Redis Sentinel endpoint. A sentinel that is unreachable, times out,
// or answers with an unexpected reply shape is reported uniformly as
// ErrUnavailable; callers treat that as an expected condition, not a failure.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/topology"
)

// ErrUnavailable marks a sentinel that could not produce a well-formed answer.
// One unavailable sentinel never fails a discovery round on its own; it only
// loses its vote.
var ErrUnavailable = errors.New("sentinel unavailable")

// ErrRejected marks an explicit sentinel refusal of a failover request, such
// as NOGOODSLAVE or INPROG.
var ErrRejected = errors.New("failover refused by sentinel")

const defaultTimeout = 2 * time.Second

// Options configures a single sentinel connection.
type Options struct {
	// Password authenticates against the sentinel itself (requirepass on the
	// sentinel, not on the monitored Redis).
	Password string
	// Timeout bounds connect, read and write for every query independently.
	Timeout time.Duration
}

// Client talks to one sentinel endpoint. It carries no state beyond the
// connection; all topology belief lives in the discovery coordinator.
type Client struct {
	addr    topology.NodeAddress
	timeout time.Duration
	sc      *redis.SentinelClient
}

// New creates a client for the given sentinel endpoint. The connection is
// established lazily on first use.
func New(addr topology.NodeAddress, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sc := redis.NewSentinelClient(&redis.Options{
		Addr:         addr.String(),
		Password:     opts.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1, // retry policy belongs to the coordinator, not the transport
	})
	return &Client{addr: addr, timeout: timeout, sc: sc}
}

// Addr returns the sentinel endpoint this client is bound to.
func (c *Client) Addr() topology.NodeAddress {
	return c.addr
}

// QueryMaster asks the sentinel for its view of the service's master.
func (c *Client) QueryMaster(ctx context.Context, service string) (topology.MasterView, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fields, err := c.sc.Master(ctx, service).Result()
	if err != nil {
		return topology.MasterView{}, c.unavailable("SENTINEL MASTER", err)
	}
	view, err := decodeMasterView(fields)
	if err != nil {
		return topology.MasterView{}, c.unavailable("SENTINEL MASTER", err)
	}
	klog.V(2).InfoS("Queried master", "sentinel", c.addr, "master", view.Addr, "flags", view.Flags)
	return view, nil
}

// QueryReplicas asks the sentinel for the replicas it tracks for the service.
func (c *Client) QueryReplicas(ctx context.Context, service string) ([]topology.ReplicaView, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.sc.Slaves(ctx, service).Result()
	if err != nil {
		return nil, c.unavailable("SENTINEL SLAVES", err)
	}
	views, err := decodeReplicaViews(raw)
	if err != nil {
		return nil, c.unavailable("SENTINEL SLAVES", err)
	}
	return views, nil
}

// QueryPeers asks the sentinel for the other sentinels monitoring the service.
// The reply does not include the queried sentinel itself.
func (c *Client) QueryPeers(ctx context.Context, service string) ([]topology.NodeAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.sc.Sentinels(ctx, service).Result()
	if err != nil {
		return nil, c.unavailable("SENTINEL SENTINELS", err)
	}
	peers, err := decodePeerAddrs(raw)
	if err != nil {
		return nil, c.unavailable("SENTINEL SENTINELS", err)
	}
	return peers, nil
}

// ForceFailover asks this sentinel to start a failover for the service. A nil
// error means the sentinel accepted the request; completion is observed
// through topology updates, not through this call.
func (c *Client) ForceFailover(ctx context.Context, service string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sc.Failover(ctx, service).Err(); err != nil {
		if isErrorReply(err) {
			return fmt.Errorf("%w: sentinel %s: %v", ErrRejected, c.addr, err)
		}
		return c.unavailable("SENTINEL FAILOVER", err)
	}
	klog.InfoS("Failover accepted", "sentinel", c.addr, "service", service)
	return nil
}

// Ping checks reachability of the sentinel endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sc.Ping(ctx).Err(); err != nil {
		return c.unavailable("PING", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.sc.Close()
}

func (c *Client) unavailable(op string, err error) error {
	klog.V(2).InfoS("Sentinel query failed", "sentinel", c.addr, "op", op, "err", err)
	return fmt.Errorf("%w: %s to %s: %v", ErrUnavailable, op, c.addr, err)
}

// isErrorReply reports whether err is an explicit error reply from the
// sentinel, as opposed to a transport or timeout failure.
func isErrorReply(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var rerr redis.Error
	return errors.As(err, &rerr)
}
