package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/connorhoehn/websocket-gateway/internal/cluster"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth answers load balancer probes. The node is healthy as
// long as the process serves; standalone mode is reported, not failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"nodeId":      s.cluster.NodeID(),
		"standalone":  s.cluster.Standalone(),
		"connections": s.registry.Count(),
		"uptime":      int64(time.Since(s.startedAt).Seconds()),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCluster reports the directory's view of the cluster: every
// registered node with its info hash and last heartbeat.
func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cluster.GetClusterInfo(r.Context()))
}

// handleStats exposes per-node operational counters alongside the
// router and service breakdowns.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"nodeId":      s.cluster.NodeID(),
		"standalone":  s.cluster.Standalone(),
		"connections": s.registry.Count(),
		"memoryBytes": cluster.ProcessMemoryBytes(),
		"uptime":      int64(time.Since(s.startedAt).Seconds()),
		"router":      s.router.Stats(),
		"services":    s.dispatcher.Stats(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
