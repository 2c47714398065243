package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bargom/sidequest/internal/store"
)

// CreateJob validates the id, persists a queued job, and kicks the dispatch
// loop. Re-using an id replaces the previous job outright.
func (s *Scheduler) CreateJob(ctx context.Context, id string, data json.RawMessage) (*store.Job, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}

	// AutoStart brings the scheduler up on first use. This runs before the
	// job is persisted so the seed pass cannot enqueue it a second time.
	if s.cfg.AutoStart && !s.Running() {
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("start scheduler: %w", err)
		}
	}

	job := &store.Job{
		ID:         id,
		PipelineID: s.cfg.PipelineID,
		Status:     store.StatusQueued,
		CreatedAt:  time.Now().UTC(),
		Data:       append(json.RawMessage(nil), data...),
	}

	if err := s.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.jobs[id]; ok {
		// Replacing a live job: detach it everywhere so the new one owns
		// the id. A running replacement keeps executing but its outcome
		// is discarded.
		s.removeFromQueueLocked(id)
		s.stopRetryTimerLocked(id)
		if cancel, ok := s.cancels[id]; ok {
			cancel()
		}
		s.logger.Warn("job id reused, previous job replaced", "job_id", id, "previous_status", old.Status)
	}
	s.jobs[id] = job
	s.queue = append(s.queue, id)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.events.emit(Event{Type: EventJobCreated, Job: snapshot})
	s.logger.Info("job created", "job_id", id)

	s.dispatch()
	return snapshot, nil
}

// GetJob returns a snapshot of the job, preferring live runtime state over
// the store image.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*store.Job, error) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		snapshot := job.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	s.mu.Unlock()

	return s.store.GetByID(ctx, id)
}

// CancelJob cancels a queued, paused, or running job. Running handlers get
// their context cancelled but are not interrupted; their outcome is
// discarded. Terminal jobs are rejected.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return s.rejectMissing(ctx, id, "cancel")
	}

	now := time.Now().UTC()
	var cancel context.CancelFunc

	switch job.Status {
	case store.StatusQueued, store.StatusPaused:
		s.removeFromQueueLocked(id)
		s.stopRetryTimerLocked(id)
	case store.StatusRunning:
		cancel = s.cancels[id]
	default:
		status := job.Status
		s.mu.Unlock()
		return fmt.Errorf("cannot cancel job %s: already %s", id, status)
	}

	job.Status = store.StatusCancelled
	job.CompletedAt = &now
	job.RetryPending = false
	job.Error = &store.JobFailure{Message: "Job was cancelled", Cancelled: true}
	snapshot := job.Clone()
	delete(s.jobs, id)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.persist(ctx, snapshot)
	s.events.emit(Event{Type: EventJobCancelled, Job: snapshot})
	s.logger.Info("job cancelled", "job_id", id)
	return nil
}

// PauseJob takes a queued or running job out of circulation. Pausing a
// running job lets the handler finish its current step and discards the
// outcome; the job reruns on resume.
func (s *Scheduler) PauseJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return s.rejectMissing(ctx, id, "pause")
	}

	switch job.Status {
	case store.StatusQueued:
		s.removeFromQueueLocked(id)
		s.stopRetryTimerLocked(id)
	case store.StatusRunning:
		// Handler keeps running; the finish path sees paused and discards.
	default:
		status := job.Status
		s.mu.Unlock()
		return fmt.Errorf("cannot pause job %s: already %s", id, status)
	}

	now := time.Now().UTC()
	job.Status = store.StatusPaused
	job.PausedAt = &now
	job.RetryPending = false
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.events.emit(Event{Type: EventJobPaused, Job: snapshot})
	s.logger.Info("job paused", "job_id", id)
	return nil
}

// ResumeJob re-enqueues a paused job at the tail of the queue.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return s.rejectMissing(ctx, id, "resume")
	}
	if job.Status != store.StatusPaused {
		status := job.Status
		s.mu.Unlock()
		return fmt.Errorf("cannot resume job %s: status is %s", id, status)
	}

	now := time.Now().UTC()
	job.Status = store.StatusQueued
	job.PausedAt = nil
	job.ResumedAt = &now
	s.queue = append(s.queue, id)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.events.emit(Event{Type: EventJobResumed, Job: snapshot})
	s.logger.Info("job resumed", "job_id", id)

	s.dispatch()
	return nil
}

// rejectMissing explains why a control operation found no live job: either
// the id is terminal in the store or it never existed.
func (s *Scheduler) rejectMissing(ctx context.Context, id, op string) error {
	if existing, err := s.store.GetByID(ctx, id); err == nil {
		return fmt.Errorf("cannot %s job %s: already %s", op, id, existing.Status)
	}
	return fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
}

func (s *Scheduler) removeFromQueueLocked(id string) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) stopRetryTimerLocked(id string) {
	if t, ok := s.retryTimers[id]; ok {
		t.Stop()
		delete(s.retryTimers, id)
	}
}
