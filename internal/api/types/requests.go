package types

import (
	"encoding/json"

	"github.com/bargom/sidequest/internal/store"
)

// TriggerRequest is the optional body of POST /api/sidequest/pipeline-runners/{id}/trigger.
// Parameters are passed to the handler untouched.
type TriggerRequest struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ScanRequest starts a duplicate-detection scan over one repository.
type ScanRequest struct {
	RepositoryPath string `json:"repositoryPath" validate:"required"`
}

// ImportRequest carries jobs exported from another instance.
type ImportRequest struct {
	Jobs []*store.Job `json:"jobs" validate:"required,min=1"`
}
