package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusPaused    JobStatus = "paused"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJobID is returned when an ID fails validation.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrInvalidStatus is returned when a status is not one of the known set.
	ErrInvalidStatus = errors.New("invalid job status")
)

// Job IDs are embedded in file names and SQL rows, so the character set is
// restricted up front rather than sanitised downstream.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidateID checks an ID against the allowed pattern.
func ValidateID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return nil
}

// JobFailure is the stable error shape persisted with failed jobs.
type JobFailure struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// GitInfo records the git workflow outcome for a job.
type GitInfo struct {
	BranchName     string   `json:"branchName,omitempty"`
	OriginalBranch string   `json:"originalBranch,omitempty"`
	CommitSHA      string   `json:"commitSha,omitempty"`
	PRURL          string   `json:"prUrl,omitempty"`
	ChangedFiles   []string `json:"changedFiles,omitempty"`
}

// Job is the central entity: one unit of pipeline work and its full history.
// RetryCount, RetryPending, PausedAt and ResumedAt are runtime fields held in
// the in-memory image; the durable row carries the remaining columns.
type Job struct {
	ID           string          `json:"id"`
	PipelineID   string          `json:"pipelineId"`
	Status       JobStatus       `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	PausedAt     *time.Time      `json:"pausedAt,omitempty"`
	ResumedAt    *time.Time      `json:"resumedAt,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *JobFailure     `json:"error,omitempty"`
	RetryCount   int             `json:"retryCount"`
	RetryPending bool            `json:"retryPending"`
	Git          *GitInfo        `json:"git,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}

	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.PausedAt = cloneTime(j.PausedAt)
	c.ResumedAt = cloneTime(j.ResumedAt)
	c.Data = cloneRaw(j.Data)
	c.Result = cloneRaw(j.Result)

	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Git != nil {
		g := *j.Git
		g.ChangedFiles = append([]string(nil), j.Git.ChangedFiles...)
		c.Git = &g
	}

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
