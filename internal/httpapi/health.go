package httpapi

import (
	"fmt"
	"net/http"
)

// handleHealth reports replay-cache reachability, task-store reachability, a
// circuit-breaker summary, and dead-letter queue depth. The replay cache and
// task store are essential: an error on either returns 503 with
// status=degraded, since neither webhook ingestion nor execution tracking can
// proceed without them. A tripped circuit breaker or a non-empty dead-letter
// queue is reported but does not by itself fail the probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	essentialFailed := false

	if _, err := s.replay.Stats(ctx); err != nil {
		components["replay_cache"] = "error: " + err.Error()
		essentialFailed = true
	} else {
		components["replay_cache"] = "ok"
	}

	if _, err := s.store.ListActive(ctx); err != nil {
		components["task_store"] = "error: " + err.Error()
		essentialFailed = true
	} else {
		components["task_store"] = "ok"
	}

	if s.breakers.AnyOpen() {
		components["circuit_breakers"] = "degraded: one or more agents open"
	} else {
		components["circuit_breakers"] = "ok"
	}

	if entries, err := s.dlq.List(); err != nil {
		components["dlq"] = "error: " + err.Error()
	} else {
		components["dlq"] = fmt.Sprintf("ok depth=%d", len(entries))
	}

	status, code := "healthy", http.StatusOK
	if essentialFailed {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}
