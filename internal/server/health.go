package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/driveline/mcp-gateway/internal/storage"
)

// Health status constants for health check responses.
const (
	healthStatusOK           = "ok"
	healthStatusDegraded     = "degraded"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"

	healthPingTimeout = 2 * time.Second
)

// HealthChecker provides health check endpoints for Kubernetes probes and
// tracks soft degradation: non-critical store write failures flip the
// detailed status without failing readiness.
type HealthChecker struct {
	// ready indicates whether the server is ready to receive traffic
	ready atomic.Bool
	// shuttingDown flips when graceful shutdown begins
	shuttingDown atomic.Bool
	// degraded counts non-critical storage write failures
	degraded atomic.Int64
	// lastDegradation holds the most recent failure message
	lastDegradation atomic.Value

	store     storage.Store
	startTime time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(store storage.Store) *HealthChecker {
	h := &HealthChecker{
		store:     store,
		startTime: time.Now(),
	}
	// Server starts as ready by default
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the server.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// MarkShuttingDown flips readiness off for graceful shutdown.
func (h *HealthChecker) MarkShuttingDown() {
	h.shuttingDown.Store(true)
	h.ready.Store(false)
}

// RecordDegradation notes a non-critical storage failure. Reads still
// work, so the service stays ready but reports degraded.
func (h *HealthChecker) RecordDegradation(err error) {
	h.degraded.Add(1)
	if err != nil {
		h.lastDegradation.Store(err.Error())
	}
}

// Degraded reports whether any non-critical failure has been recorded.
func (h *HealthChecker) Degraded() bool {
	return h.degraded.Load() > 0
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse provides comprehensive health information.
type DetailedHealthResponse struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	DegradationCount int64  `json:"degradation_count,omitempty"`
	LastDegradation  string `json:"last_degradation,omitempty"`
}

// LivenessHandler returns an HTTP handler for the /healthz endpoint.
// Liveness probes indicate whether the process should be restarted.
// This should be a simple check that the server process is running.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		_ = json.NewEncoder(w).Encode(HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler returns an HTTP handler for the /readyz endpoint.
// Readiness probes indicate whether the server is ready to receive
// traffic; the session store must answer a ping.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		checks := make(map[string]string)
		allOk := true

		if !h.ready.Load() {
			checks["ready"] = healthStatusNotReady
			allOk = false
		} else {
			checks["ready"] = healthStatusOK
		}

		if h.shuttingDown.Load() {
			checks["shutdown"] = healthStatusShuttingDown
			allOk = false
		} else {
			checks["shutdown"] = healthStatusOK
		}

		if h.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()
			if err := h.store.Ping(ctx); err != nil {
				checks["storage"] = "unreachable"
				allOk = false
			} else {
				checks["storage"] = healthStatusOK
			}
		}

		response := HealthResponse{Checks: checks}
		if allOk {
			response.Status = healthStatusOK
			w.WriteHeader(http.StatusOK)
		} else {
			response.Status = healthStatusNotReady
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	})
}

// DetailedHealthHandler returns an HTTP handler for the /health endpoint.
// This endpoint provides comprehensive health information including soft
// degradation state.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		response := DetailedHealthResponse{
			Status:           healthStatusOK,
			Uptime:           time.Since(h.startTime).Truncate(time.Second).String(),
			DegradationCount: h.degraded.Load(),
		}
		if msg, ok := h.lastDegradation.Load().(string); ok {
			response.LastDegradation = msg
		}

		switch {
		case !h.ready.Load():
			response.Status = healthStatusNotReady
			w.WriteHeader(http.StatusServiceUnavailable)
		case h.shuttingDown.Load():
			response.Status = healthStatusShuttingDown
			w.WriteHeader(http.StatusServiceUnavailable)
		case h.Degraded():
			response.Status = healthStatusDegraded
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(response)
	})
}

// RegisterHealthEndpoints registers health check endpoints on the given mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
	mux.Handle("/health", h.DetailedHealthHandler())
}
