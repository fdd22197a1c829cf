package sentinel

import (
	"fmt"
	"strconv"
	"time"

	"github.com/upmio/redis-sentry/pkg/topology"
)

// The SENTINEL introspection commands reply with flat field-value arrays
// (one map per instance for SLAVES/SENTINELS). The decoders below parse them
// strictly: wrong arity, wrong element types or an unparseable address all
// fail the whole reply, and the caller converts that into ErrUnavailable.
// Partial trust of a malformed reply is never attempted.

func decodeMasterView(fields map[string]string) (topology.MasterView, error) {
	addr, err := addrFromFields(fields)
	if err != nil {
		return topology.MasterView{}, err
	}
	replicas, err := countFromFields(fields, "num-slaves")
	if err != nil {
		return topology.MasterView{}, err
	}
	sentinels, err := countFromFields(fields, "num-other-sentinels")
	if err != nil {
		return topology.MasterView{}, err
	}
	return topology.MasterView{
		Addr:          addr,
		Flags:         fields["flags"],
		ReplicaCount:  replicas,
		SentinelCount: sentinels,
		ObservedAt:    time.Now(),
	}, nil
}

func decodeReplicaViews(raw []interface{}) ([]topology.ReplicaView, error) {
	views := make([]topology.ReplicaView, 0, len(raw))
	for i, entry := range raw {
		fields, err := fieldPairs(entry)
		if err != nil {
			return nil, fmt.Errorf("replica %d: %w", i, err)
		}
		addr, err := addrFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("replica %d: %w", i, err)
		}
		var offset int64
		if s, ok := fields["slave-repl-offset"]; ok {
			offset, err = strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("replica %d: bad slave-repl-offset %q", i, s)
			}
		}
		views = append(views, topology.ReplicaView{
			Addr:       addr,
			LinkStatus: fields["master-link-status"],
			ReplOffset: offset,
		})
	}
	return views, nil
}

func decodePeerAddrs(raw []interface{}) ([]topology.NodeAddress, error) {
	peers := make([]topology.NodeAddress, 0, len(raw))
	for i, entry := range raw {
		fields, err := fieldPairs(entry)
		if err != nil {
			return nil, fmt.Errorf("sentinel %d: %w", i, err)
		}
		addr, err := addrFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("sentinel %d: %w", i, err)
		}
		peers = append(peers, addr)
	}
	return peers, nil
}

// fieldPairs converts a single instance entry (an array of alternating field
// name and value strings) into a map.
func fieldPairs(entry interface{}) (map[string]string, error) {
	items, ok := entry.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected field array, got %T", entry)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("odd field count %d", len(items))
	}
	fields := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		key, ok := items[i].(string)
		if !ok {
			return nil, fmt.Errorf("field name at %d is %T, not string", i, items[i])
		}
		value, ok := items[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("field %q value is %T, not string", key, items[i+1])
		}
		fields[key] = value
	}
	return fields, nil
}

func addrFromFields(fields map[string]string) (topology.NodeAddress, error) {
	ip, ok := fields["ip"]
	if !ok || ip == "" {
		return topology.NodeAddress{}, fmt.Errorf("missing ip field")
	}
	portStr, ok := fields["port"]
	if !ok {
		return topology.NodeAddress{}, fmt.Errorf("missing port field")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return topology.NodeAddress{}, fmt.Errorf("bad port %q", portStr)
	}
	return topology.NodeAddress{Host: ip, Port: port}, nil
}

// countFromFields parses a numeric field, tolerating its absence (0) but not
// a malformed value.
func countFromFields(fields map[string]string, key string) (int, error) {
	s, ok := fields[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad %s %q", key, s)
	}
	return n, nil
}
