// Package sentry is the public face of the coordinator: it wires the
// sentinel clients, the discovery loop, the connection pool and the failover
// trigger together behind one explicitly constructed client. There is no
// process-wide singleton; lifecycle follows the context passed to Run.
package sentry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/auth"
	"github.com/upmio/redis-sentry/pkg/config"
	"github.com/upmio/redis-sentry/pkg/discovery"
	"github.com/upmio/redis-sentry/pkg/failover"
	"github.com/upmio/redis-sentry/pkg/pool"
	"github.com/upmio/redis-sentry/pkg/sentinel"
	"github.com/upmio/redis-sentry/pkg/topology"
)

// Client is a sentinel-aware store client. Operations submitted through
// Execute always run against the node discovery currently believes is the
// writable master.
type Client struct {
	cfg      *config.Config
	cache    *topology.Cache
	monitors []*sentinel.Client
	coord    *discovery.Coordinator
	pool     *pool.Pool
	trigger  *failover.Trigger

	statusServer *http.Server

	closeOnce sync.Once
	closeErr  error
}

// New wires a client from the given configuration. Discovery does not start
// until Run is called.
func New(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	addrs, err := cfg.SentinelAddrs()
	if err != nil {
		return nil, err
	}

	cache := topology.NewCache()
	monitors := make([]*sentinel.Client, 0, len(addrs))
	discoveryMonitors := make([]discovery.Monitor, 0, len(addrs))
	failoverMonitors := make([]failover.Monitor, 0, len(addrs))
	for _, addr := range addrs {
		mc := sentinel.New(addr, sentinel.Options{
			Password: cfg.SentinelPassword,
			Timeout:  cfg.CallTimeout,
		})
		monitors = append(monitors, mc)
		discoveryMonitors = append(discoveryMonitors, mc)
		failoverMonitors = append(failoverMonitors, mc)
	}

	coord := discovery.New(cfg.MasterName, discoveryMonitors, cache, discovery.Options{
		PollInterval: cfg.PollInterval,
		GraceWindow:  cfg.GraceWindow,
	})

	c := &Client{
		cfg:      cfg,
		cache:    cache,
		monitors: monitors,
		coord:    coord,
		pool:     pool.New(cache, pool.DefaultDialer(cfg.Password, cfg.CallTimeout)),
		trigger: failover.New(cfg.MasterName, failoverMonitors, cache, coord, failover.Options{
			VerifyTimeout: cfg.FailoverTimeout,
		}),
	}

	if cfg.StatusAddr != "" {
		c.statusServer = c.newStatusServer(cfg.StatusAddr, auth.New(cfg.SharedSecret))
	}

	return c, nil
}

// Run starts the status listener (when configured) and blocks in the
// discovery loop until the context is cancelled, then shuts everything down.
func (c *Client) Run(ctx context.Context) error {
	klog.InfoS("Starting coordinator",
		"service", c.cfg.MasterName,
		"sentinels", len(c.monitors),
		"pollInterval", c.cfg.PollInterval,
		"graceWindow", c.cfg.GraceWindow)

	if c.statusServer != nil {
		go func() {
			klog.InfoS("Starting status server", "addr", c.statusServer.Addr)
			if err := c.statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "Status server error")
			}
		}()
	}

	err := c.coord.Run(ctx)
	if closeErr := c.Close(); closeErr != nil {
		klog.ErrorS(closeErr, "Shutdown error")
	}
	return err
}

// WaitReady blocks until the first topology has been published or the
// context expires.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.cache.Generation() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for first topology: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ResolveMaster returns the address discovery currently believes is the
// writable master.
func (c *Client) ResolveMaster() (topology.NodeAddress, error) {
	snap := c.cache.Snapshot()
	if !snap.HasMaster() {
		return topology.NodeAddress{}, pool.ErrNoTopology
	}
	return snap.Master, nil
}

// Execute runs op against the current master through the connection pool.
func (c *Client) Execute(ctx context.Context, op pool.Operation) error {
	return c.pool.Execute(ctx, op)
}

// ForceFailover asks a sentinel to replace the master and verifies the
// handover. Explicit operator action; never invoked automatically.
func (c *Client) ForceFailover(ctx context.Context) (failover.Outcome, error) {
	return c.trigger.Force(ctx)
}

// CurrentTopology returns the latest topology snapshot.
func (c *Client) CurrentTopology() topology.Topology {
	return c.cache.Snapshot()
}

// State returns the discovery coordinator's lifecycle state.
func (c *Client) State() discovery.State {
	return c.coord.State()
}

// Close releases the pool, the sentinel connections and the status listener.
// Safe to call more than once; Run calls it on exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.statusServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.statusServer.Shutdown(shutdownCtx); err != nil {
				c.closeErr = fmt.Errorf("status server shutdown: %w", err)
			}
		}
		if err := c.pool.Close(); err != nil && c.closeErr == nil {
			c.closeErr = fmt.Errorf("pool close: %w", err)
		}
		for _, m := range c.monitors {
			if err := m.Close(); err != nil && c.closeErr == nil {
				c.closeErr = fmt.Errorf("sentinel close: %w", err)
			}
		}
	})
	return c.closeErr
}
