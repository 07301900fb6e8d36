package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-siegenia/internal/bridge"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleDeviceHistory)
				r.Put("/params", s.handleSetParams)
				r.Post("/actions/{action}", s.handleAction)
			})
		})

		r.Get("/audit", s.handleListAudit)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the bridge health. Without an MQTT bridge the
// status is derived from the registry directly.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		writeJSON(w, http.StatusOK, s.health())
		return
	}

	statuses := s.registry.Statuses()
	status := bridge.HealthHealthy
	for _, st := range statuses {
		if !st.Connected || st.Stale {
			status = bridge.HealthDegraded
			break
		}
	}
	writeJSON(w, http.StatusOK, bridge.HealthMessage{
		Bridge:         "api",
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        s.version,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		DevicesManaged: len(statuses),
		Devices:        statuses,
	})
}
