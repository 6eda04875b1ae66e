package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.tracingMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/bus", s.handleBusStats)
		r.Get("/resources", s.handleResources)
		r.Post("/modules/{module}/commands/{command}", s.handleCommand)
		r.Post("/events", s.handleEvent)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	BusPhase      string `json:"bus_phase"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int    `json:"websocket_clients"`
	MQTT          *bool  `json:"mqtt_connected,omitempty"`
}

// handleHealth reports "ok" while the bus accepts traffic and any broker
// connection is up, "degraded" otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		BusPhase:      s.bus.Stats().Phase,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Clients:       s.hub.ClientCount(),
	}
	if resp.BusPhase == bus.PhaseStopped {
		resp.Status = "degraded"
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTT = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
