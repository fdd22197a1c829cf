package topology

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// NodeAddress identifies one Redis or Sentinel node. It is a value type
// compared by structural equality.
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseAddress parses a "host:port" string into a NodeAddress.
func ParseAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("invalid port in address %q", s)
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("empty host in address %q", s)
	}
	return NodeAddress{Host: host, Port: port}, nil
}

func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Less orders addresses lexicographically by their string form. Used as the
// final deterministic tie-break during reconciliation.
func (a NodeAddress) Less(b NodeAddress) bool {
	return a.String() < b.String()
}

// MasterView is one sentinel's report of the master for a service. Views are
// immutable snapshots; a newer view supersedes an older one, it never mutates
// it.
type MasterView struct {
	Addr          NodeAddress
	Flags         string
	ReplicaCount  int
	SentinelCount int
	ObservedAt    time.Time
}

// Suspected reports whether the sentinel flagged the master as subjectively or
// objectively down.
func (v MasterView) Suspected() bool {
	return strings.Contains(v.Flags, "s_down") || strings.Contains(v.Flags, "o_down")
}

// ReplicaView is one sentinel's report of a single replica.
type ReplicaView struct {
	Addr       NodeAddress
	LinkStatus string
	ReplOffset int64
}

// Topology is the coordinator's current belief about the replica set. Values
// are immutable snapshots; the generation counter increments on every accepted
// update and lets readers detect staleness without comparing the full view.
type Topology struct {
	Master     NodeAddress   `json:"master"`
	Replicas   []NodeAddress `json:"replicas"`
	Sentinels  []NodeAddress `json:"sentinels"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Generation uint64        `json:"generation"`
}

// HasMaster reports whether the topology names an active master.
func (t Topology) HasMaster() bool {
	return !t.Master.IsZero()
}

func addrSetEqual(a, b []NodeAddress) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[NodeAddress]int, len(a))
	for _, addr := range a {
		counts[addr]++
	}
	for _, addr := range b {
		counts[addr]--
		if counts[addr] < 0 {
			return false
		}
	}
	return true
}

// Same reports whether two topologies describe the same replica set, ignoring
// generation and timestamp. Replica and sentinel lists are compared as sets.
func (t Topology) Same(other Topology) bool {
	return t.Master == other.Master &&
		addrSetEqual(t.Replicas, other.Replicas) &&
		addrSetEqual(t.Sentinels, other.Sentinels)
}
