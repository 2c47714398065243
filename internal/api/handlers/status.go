package handlers

import (
	"net/http"
	"time"

	"github.com/bargom/sidequest/internal/api/types"
	"github.com/bargom/sidequest/internal/pipeline"
)

// Status handles GET /api/status: one row per supported pipeline plus the
// aggregate queue load. The dashboard polls this every few seconds.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := types.StatusResponse{
		Timestamp: time.Now().UTC(),
		Pipelines: make([]types.PipelineStatus, 0, len(pipeline.Supported())),
	}

	for _, id := range pipeline.Supported() {
		worker, err := h.registry.Worker(ctx, id)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "failed to resolve pipeline "+id)
			return
		}

		stats, err := worker.Stats(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "pipeline stats unavailable", "pipeline", id, "error", err)
		}

		status := "idle"
		if worker.Busy() {
			status = "running"
		}

		resp.Pipelines = append(resp.Pipelines, types.PipelineStatus{
			ID:            id,
			Name:          pipeline.DisplayName(id),
			Status:        status,
			CompletedJobs: stats.Completed,
			FailedJobs:    stats.Failed,
		})

		resp.Queue.Active += worker.ActiveJobs()
		resp.Queue.Queued += worker.QueueDepth()
	}

	storeHealth := h.store.Health()
	resp.Store = types.StoreStatus{
		Status:       storeHealth.Status,
		QueuedWrites: storeHealth.QueuedWrites,
	}

	h.respondJSON(w, http.StatusOK, resp)
}
