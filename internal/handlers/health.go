package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/reloop-market/api/internal/repositories"
)

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	backend     repositories.HealthRepository
	version     string
	environment string
	startedAt   time.Time
	clock       func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthBackend wires the storage connectivity check used by /readyz.
func WithHealthBackend(backend repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.backend = backend
	}
}

// WithHealthBuildInfo attaches version metadata to probe responses.
func WithHealthBuildInfo(version, environment string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
		h.environment = environment
	}
}

// WithHealthClock overrides the clock, for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		startedAt: time.Now().UTC(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"environment": h.environment,
		"uptime":      now.Sub(h.startedAt).String(),
		"timestamp":   now.Format(time.RFC3339),
	})
}

// Readyz reports whether the storage backend is reachable.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.backend.Check(ctx); err != nil {
			status = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSONResponse(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}
