package handlers

import (
	"net/http"

	"github.com/bargom/sidequest/internal/api/types"
)

// Health handles GET /health. It reports ok once the workers are dispatching
// and the store has loaded; a degraded store still answers ok because reads
// and queued writes keep working.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	storeHealth := h.store.Health()

	if !h.registry.Running() || storeHealth.Status == "not_initialized" {
		h.respondJSON(w, http.StatusServiceUnavailable, types.HealthResponse{
			Status: "unavailable",
			Store:  storeHealth.Status,
		})
		return
	}

	h.respondJSON(w, http.StatusOK, types.HealthResponse{
		Status: "ok",
		Store:  storeHealth.Status,
	})
}
