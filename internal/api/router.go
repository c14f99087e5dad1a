package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/services", s.handleListServices)
		r.Get("/router/stats", s.handleRouterStats)
		r.Get("/audit", s.handleListAudit)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{sn}", func(r chi.Router) {
				r.Get("/telemetry", s.handleGetTelemetry)
				r.Get("/telemetry/history", s.handleTelemetryHistory)
				r.Post("/calls", s.handleServiceCall)
				r.Post("/connection", s.handleEnsureConnection)
				r.Delete("/connection", s.handleDisconnect)
				r.Post("/heartbeat", s.handleHeartbeat)
			})
		})
	})

	// WebSocket event stream
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	return r
}
