package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/care-relay/backend/pkg/utils"
)

const version = "0.1.0"

// Pinger is any dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connections reports the number of live relay sessions.
type Connections interface {
	Len() int
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response is the health check body.
type Response struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Version     string           `json:"version"`
	Connections int              `json:"connections"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// Handler reports the state of the store, the optional presence mirror and the hub.
type Handler struct {
	deps  map[string]Pinger
	conns Connections
}

// New creates the health handler. Nil entries in deps are skipped.
func New(deps map[string]Pinger, conns Connections) *Handler {
	active := make(map[string]Pinger, len(deps))
	for name, dep := range deps {
		if dep != nil {
			active[name] = dep
		}
	}
	return &Handler{deps: active, conns: conns}
}

// RegisterRoutes mounts GET /health.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.deps))
	allHealthy := true

	for name, dep := range h.deps {
		start := time.Now()
		if err := dep.Ping(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.conns != nil {
		resp.Connections = h.conns.Len()
	}
	utils.RespondJSON(w, statusCode, resp)
}
