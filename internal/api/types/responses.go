// Package types defines the request and response bodies of the HTTP API.
// Field names are part of the dashboard contract; change them and the
// dashboard breaks.
package types

import (
	"time"

	"github.com/bargom/sidequest/internal/store"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorResponse stamps an error message with the current time.
func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Message: message, Timestamp: time.Now().UTC()}
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// PipelineStatus is one row of the status board.
type PipelineStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"` // "idle" or "running"
	CompletedJobs int    `json:"completedJobs"`
	FailedJobs    int    `json:"failedJobs"`
}

// QueueStatus aggregates live load across all pipelines.
type QueueStatus struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// StoreStatus carries the persistence health hint shown on the dashboard.
type StoreStatus struct {
	Status       string `json:"status"`
	QueuedWrites int    `json:"queuedWrites"`
}

// StatusResponse answers GET /api/status.
type StatusResponse struct {
	Timestamp time.Time        `json:"timestamp"`
	Pipelines []PipelineStatus `json:"pipelines"`
	Queue     QueueStatus      `json:"queue"`
	Store     StoreStatus      `json:"store"`
}

// JobsResponse answers GET /api/sidequest/pipeline-runners/{id}/jobs.
type JobsResponse struct {
	Jobs    []*store.Job `json:"jobs"`
	Total   int          `json:"total"`
	HasMore bool         `json:"hasMore"`
}

// TriggerResponse confirms a job submission.
type TriggerResponse struct {
	JobID      string    `json:"jobId"`
	PipelineID string    `json:"pipelineId"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScanResponse confirms a scan submission.
type ScanResponse struct {
	ScanID string `json:"scanId"`
}
