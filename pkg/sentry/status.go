package sentry

import (
	"encoding/json"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/auth"
	"github.com/upmio/redis-sentry/pkg/discovery"
	"github.com/upmio/redis-sentry/pkg/topology"
)

// statusView is the payload of GET /topology.
type statusView struct {
	Service  string            `json:"service"`
	State    discovery.State   `json:"state"`
	Topology topology.Topology `json:"topology"`
}

// newStatusServer exposes the coordinator's belief for operators: /topology
// (HMAC protected when a shared secret is configured) and /health.
func (c *Client) newStatusServer(addr string, authn *auth.Authenticator) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/topology", authn.Middleware(c.handleTopology))
	mux.HandleFunc("/health", c.handleHealth)
	return &http.Server{Addr: addr, Handler: mux}
}

func (c *Client) handleTopology(w http.ResponseWriter, r *http.Request) {
	view := statusView{
		Service:  c.cfg.MasterName,
		State:    c.coord.State(),
		Topology: c.cache.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		klog.ErrorS(err, "Failed to encode topology response")
	}
}

func (c *Client) handleHealth(w http.ResponseWriter, r *http.Request) {
	if c.cache.Generation() == 0 {
		http.Error(w, "no topology yet", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
