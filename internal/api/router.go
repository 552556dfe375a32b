package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Coordination states reported by /health.
const (
	coordinationConnected   = "connected"
	coordinationUnavailable = "unavailable"
	coordinationDisabled    = "disabled"
)

// buildRouter mounts /health, the device socket and the authenticated /api tree.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID, echoRequestID)
	r.Use(s.accessLog, s.recoverPanics)
	r.Use(s.cors, s.limitBody)

	// Unauthenticated so load balancers can poll it.
	r.Get("/health", s.handleHealth)

	// API key or device token, checked by the handler.
	r.Get("/ws/device/{deviceID}", s.handleDeviceWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey, s.rateLimit)

		r.Get("/metrics", s.handleMetrics)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/{jobID}", s.handleGetJob)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleDeviceHistory)
				r.Post("/token", s.handleIssueDeviceToken)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
//
// 503 while shutting down. Loss of the coordination store is degraded
// mode and still returns 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	coordination := coordinationDisabled
	if s.relay != nil {
		coordination = coordinationUnavailable
		if s.registry.PresenceConnected() {
			coordination = coordinationConnected
		}
	}

	status, code := "ok", http.StatusOK
	switch {
	case s.ShuttingDown():
		status, code = "shutting_down", http.StatusServiceUnavailable
	case coordination == coordinationUnavailable:
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"coordination": coordination,
		"replica":      s.registry.ReplicaID(),
		"devices":      s.registry.Count(),
		"version":      s.version,
	})
}
