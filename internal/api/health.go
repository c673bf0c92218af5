package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

// Pinger is anything whose connectivity the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	AIEnabled bool   `json:"ai_enabled"`
	Store     string `json:"store"`
	Sessions  int    `json:"sessions"`
}

// HealthHandler reports liveness, store connectivity and whether a model is
// configured.
type HealthHandler struct {
	service   string
	store     Pinger
	aiEnabled bool
	sessions  func() int
}

// NewHealthHandler creates a health handler. store and sessions may be nil.
func NewHealthHandler(service string, store Pinger, aiEnabled bool, sessions func() int) *HealthHandler {
	return &HealthHandler{service: service, store: store, aiEnabled: aiEnabled, sessions: sessions}
}

// ServeHTTP handles GET /health. A failed store ping answers 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Service:   h.service,
		AIEnabled: h.aiEnabled,
		Store:     "ok",
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions()
	}

	status := http.StatusOK
	if h.store == nil {
		resp.Store = "disabled"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = "error: " + err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	JSON(w, status, resp)
}
