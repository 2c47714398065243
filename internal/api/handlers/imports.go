package handlers

import (
	"net/http"

	"github.com/bargom/sidequest/internal/api/types"
)

// ImportJobs handles POST /api/sidequest/jobs/import: bulk-loads jobs
// exported from another instance. The route sits behind the migration key
// middleware when one is configured.
func (h *Handler) ImportJobs(w http.ResponseWriter, r *http.Request) {
	var req types.ImportRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondValidationError(w, err)
		return
	}

	result, err := h.store.BulkImport(r.Context(), req.Jobs)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "bulk import failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "import failed")
		return
	}

	h.logger.InfoContext(r.Context(), "jobs imported", "imported", result.Imported, "skipped", result.Skipped)
	h.respondJSON(w, http.StatusOK, result)
}
