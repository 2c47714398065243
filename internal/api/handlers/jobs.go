package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bargom/sidequest/internal/api/types"
	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/bargom/sidequest/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListJobs handles GET /api/sidequest/pipeline-runners/{id}/jobs.
// Query: ?status&tab&limit&offset&includeTotal=true.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !pipeline.IsSupported(id) {
		h.respondError(w, http.StatusNotFound, pipeline.ErrUnknownPipeline(id).Error())
		return
	}

	opts := listOptions(r)
	jobs, total, err := h.store.List(r.Context(), id, opts)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	h.respondJSON(w, http.StatusOK, types.JobsResponse{
		Jobs:    jobs,
		Total:   total,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

// TriggerJob handles POST /api/sidequest/pipeline-runners/{id}/trigger. The
// body is optional; parameters pass through to the handler untouched.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !pipeline.IsSupported(id) {
		h.respondError(w, http.StatusNotFound, pipeline.ErrUnknownPipeline(id).Error())
		return
	}

	var req types.TriggerRequest
	if err := h.decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	worker, err := h.registry.Worker(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	job, err := worker.CreateJob(r.Context(), newID("job"), req.Parameters)
	if err != nil {
		if errors.Is(err, store.ErrInvalidJobID) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "trigger failed", "pipeline", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusCreated, types.TriggerResponse{
		JobID:      job.ID,
		PipelineID: id,
		Status:     string(job.Status),
		Timestamp:  time.Now().UTC(),
	})
}
