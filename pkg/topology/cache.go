package topology

import (
	"sync"
	"time"
)

// Cache holds the last accepted Topology. Updates replace the whole value
// under the cache's single write path; readers always get a private copy, so
// a snapshot can never be torn by a concurrent publish.
//
// The discovery coordinator is the only writer. Everything else (the
// connection pool, the failover trigger, the status endpoint) reads snapshots
// and compares generations.
type Cache struct {
	mu  sync.RWMutex
	cur Topology
}

func NewCache() *Cache {
	return &Cache{}
}

// Snapshot returns a copy of the current topology. The zero Topology
// (generation 0) means no discovery round has completed yet.
func (c *Cache) Snapshot() Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

// Generation returns the current generation without copying the full view.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur.Generation
}

// Publish installs a new topology value and bumps the generation. It returns
// the published snapshot.
func (c *Cache) Publish(master NodeAddress, replicas, sentinels []NodeAddress) Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = Topology{
		Master:     master,
		Replicas:   append([]NodeAddress(nil), replicas...),
		Sentinels:  append([]NodeAddress(nil), sentinels...),
		UpdatedAt:  time.Now(),
		Generation: c.cur.Generation + 1,
	}
	return c.copyLocked()
}

// DropMaster clears the active master while retaining the replica and
// sentinel lists. Used when the coordinator enters reconciliation after the
// grace window expired with every sentinel unreachable.
func (c *Cache) DropMaster() Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.Master = NodeAddress{}
	c.cur.UpdatedAt = time.Now()
	c.cur.Generation++
	return c.copyLocked()
}

func (c *Cache) copyLocked() Topology {
	out := c.cur
	out.Replicas = append([]NodeAddress(nil), c.cur.Replicas...)
	out.Sentinels = append([]NodeAddress(nil), c.cur.Sentinels...)
	return out
}
