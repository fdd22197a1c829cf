// Package config holds the construction-time configuration for the
// coordinator. All values are supplied up front; there is no runtime
// reconfiguration surface.
package config

import (
	"fmt"
	"time"

	"github.com/upmio/redis-sentry/pkg/topology"
)

const (
	DefaultMasterName      = "mymaster"
	DefaultCallTimeout     = 2 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultGraceWindow     = 30 * time.Second
	DefaultFailoverTimeout = 30 * time.Second
)

// Config is the full configuration surface of the coordinator.
type Config struct {
	// Sentinels lists the monitor endpoints as host:port strings. At least
	// one is required; quorum is computed over this configured set.
	Sentinels []string

	// MasterName is the service name the sentinels monitor.
	MasterName string

	// Password authenticates against the Redis master.
	Password string

	// SentinelPassword authenticates against the sentinels themselves, when
	// they run with requirepass. Usually empty.
	SentinelPassword string

	// CallTimeout bounds every individual sentinel query and store dial.
	CallTimeout time.Duration

	// PollInterval is the background discovery cadence.
	PollInterval time.Duration

	// GraceWindow bounds how long a stale topology is served after quorum is
	// lost.
	GraceWindow time.Duration

	// FailoverTimeout bounds verification after an accepted failover.
	FailoverTimeout time.Duration

	// StatusAddr, when non-empty, enables the HTTP status listener
	// (e.g. ":8080").
	StatusAddr string

	// SharedSecret protects the status topology endpoint with HMAC request
	// signing. Empty disables authentication.
	SharedSecret string
}

// Default returns a config with every tunable at its default. Sentinels and
// MasterName still have to be filled in by the caller.
func Default() *Config {
	return &Config{
		MasterName:      DefaultMasterName,
		CallTimeout:     DefaultCallTimeout,
		PollInterval:    DefaultPollInterval,
		GraceWindow:     DefaultGraceWindow,
		FailoverTimeout: DefaultFailoverTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := c.SentinelAddrs(); err != nil {
		return err
	}
	if c.MasterName == "" {
		return fmt.Errorf("master name is required")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %v", c.CallTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("grace window must be positive, got %v", c.GraceWindow)
	}
	if c.FailoverTimeout <= 0 {
		return fmt.Errorf("failover timeout must be positive, got %v", c.FailoverTimeout)
	}
	return nil
}

// SentinelAddrs parses the configured sentinel endpoints.
func (c *Config) SentinelAddrs() ([]topology.NodeAddress, error) {
	if len(c.Sentinels) == 0 {
		return nil, fmt.Errorf("at least one sentinel address is required")
	}
	addrs := make([]topology.NodeAddress, 0, len(c.Sentinels))
	seen := make(map[topology.NodeAddress]struct{}, len(c.Sentinels))
	for _, s := range c.Sentinels {
		addr, err := topology.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("sentinel address: %w", err)
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("duplicate sentinel address %s", addr)
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
