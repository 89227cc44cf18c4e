package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/simplifia/engine/internal/store"
)

// HealthHandler reports service liveness and storage reachability.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/healthz", h.Health)
}

// Health returns 200 when the store is reachable, 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
