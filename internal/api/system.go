package api

import (
	"net/http"
)

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleRouterStats returns dispatch counters from the message router:
// frames received, matched, dropped, parse failures and the registered
// rule set.
func (s *Server) handleRouterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.routes.Snapshot())
}
