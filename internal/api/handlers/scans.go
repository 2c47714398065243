package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bargom/sidequest/internal/api/types"
	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/go-playground/validator/v10"
)

// StartScan handles POST /api/scans/start: submits a duplicate-detection job
// over the given repository and returns its id.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req types.ScanRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			h.respondError(w, http.StatusBadRequest, "repositoryPath is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	worker, err := h.registry.Worker(r.Context(), pipeline.DuplicateDetection)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	data, err := json.Marshal(map[string]string{"repositoryPath": req.RepositoryPath})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to encode scan parameters")
		return
	}

	scanID := newID("scan")
	if _, err := worker.CreateJob(r.Context(), scanID, data); err != nil {
		h.logger.ErrorContext(r.Context(), "scan submission failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to start scan")
		return
	}

	h.respondJSON(w, http.StatusCreated, types.ScanResponse{ScanID: scanID})
}
