package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/bargom/sidequest/internal/classify"
	"github.com/bargom/sidequest/internal/gitflow"
	"github.com/bargom/sidequest/internal/store"
	"github.com/bargom/sidequest/pkg/logging"
)

// defaultRetryDelay backs any classification that recommends a retry
// without a delay hint.
const defaultRetryDelay = 5 * time.Second

// runJob drives one job from running to a terminal state. It owns the
// active slot until it returns.
func (s *Scheduler) runJob(ctx context.Context, job *store.Job) {
	defer s.wg.Done()

	start := time.Now()
	if s.meter != nil {
		s.meter.JobStarted()
	}

	// The job may have been cancelled or replaced between dequeue and here.
	s.mu.Lock()
	if s.jobs[job.ID] != job || job.Status != store.StatusQueued {
		s.mu.Unlock()
		s.release(job.ID)
		s.finishMetrics(job, "skipped", start)
		s.dispatch()
		return
	}
	now := time.Now().UTC()
	job.Status = store.StatusRunning
	job.StartedAt = &now
	job.RetryPending = false
	job.Error = nil
	attempt := job.RetryCount + 1
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.events.emit(Event{Type: EventJobStarted, Job: snapshot})
	s.logger.Info("job started", "job_id", job.ID, "attempt", attempt)

	wf := s.setupGit(ctx, job)

	result, err := s.invokeHandler(ctx, job)

	// Cancellation or pause may have won while the handler ran; their
	// transition already happened and the outcome here is discarded.
	s.mu.Lock()
	current, present := s.jobs[job.ID]
	superseded := !present || current != job
	status := job.Status
	s.mu.Unlock()

	switch {
	case superseded || status == store.StatusCancelled:
		s.logger.Info("job outcome discarded after cancellation", "job_id", job.ID)
		s.cleanupGit(ctx, wf)
		s.finishMetrics(job, "cancelled", start)
	case status == store.StatusPaused:
		s.logger.Info("job outcome discarded after pause, it reruns on resume", "job_id", job.ID)
		s.cleanupGit(ctx, wf)
		s.finishMetrics(job, "paused", start)
	case err != nil:
		s.finishFailure(ctx, job, wf, err, start)
	default:
		s.finishSuccess(ctx, job, wf, result, start)
	}

	s.release(job.ID)
	s.dispatch()
}

// release frees the job's concurrency slot and its cancellation context.
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	s.activeJobs--
	cancel := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) finishMetrics(job *store.Job, outcome string, start time.Time) {
	if s.meter == nil {
		return
	}
	s.meter.JobFinished(job.PipelineID, outcome, time.Since(start).Seconds())
}

// invokeHandler runs the handler on a snapshot of the job, converting a
// panic into an error so one bad handler cannot take down the scheduler.
// The context carries the job and pipeline ids so handler logs are
// attributable without threading them by hand.
func (s *Scheduler) invokeHandler(ctx context.Context, job *store.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			s.logger.Error("handler panicked", "job_id", job.ID, "panic", r)
		}
	}()

	s.mu.Lock()
	snapshot := job.Clone()
	s.mu.Unlock()

	ctx = logging.ContextWithJob(ctx, snapshot.ID)
	ctx = logging.ContextWithPipeline(ctx, snapshot.PipelineID)
	return s.handler.Run(ctx, snapshot)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// setupGit creates the work branch when the workflow is enabled and the job
// names a repository. Failures are logged and swallowed: the handler still
// runs, there will just be no PR.
func (s *Scheduler) setupGit(ctx context.Context, job *store.Job) *gitflow.Workflow {
	if s.git == nil {
		return nil
	}
	repoPath := repositoryPath(job.Data)
	if repoPath == "" {
		return nil
	}

	wf, err := s.git.Setup(ctx, repoPath, s.cfg.PipelineID, job.ID)
	if err != nil {
		s.logger.Warn("git setup failed, job continues without git workflow",
			"job_id", job.ID, "repo", repoPath, "error", err)
		return nil
	}

	s.mu.Lock()
	job.Git = &store.GitInfo{
		BranchName:     wf.BranchName,
		OriginalBranch: wf.OriginalBranch,
	}
	s.mu.Unlock()

	s.logger.Info("git branch created", "job_id", job.ID, "branch", wf.BranchName)
	return wf
}

func (s *Scheduler) cleanupGit(ctx context.Context, wf *gitflow.Workflow) {
	if wf == nil || s.git == nil {
		return
	}
	s.git.Cleanup(ctx, wf)
}

// finishSuccess completes the git workflow, marks the job completed, and
// persists before emitting so subscribers always observe durable state.
func (s *Scheduler) finishSuccess(ctx context.Context, job *store.Job, wf *gitflow.Workflow, result any, start time.Time) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			s.logger.Warn("job result not serialisable, storing none", "job_id", job.ID, "error", err)
		} else {
			raw = b
		}
	}

	s.mu.Lock()
	now := time.Now().UTC()
	job.Status = store.StatusCompleted
	job.CompletedAt = &now
	job.Result = raw
	job.RetryPending = false
	s.mu.Unlock()

	if wf != nil {
		s.finishGit(ctx, job, wf)
	}

	s.mu.Lock()
	snapshot := job.Clone()
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.events.emit(Event{Type: EventJobCompleted, Job: snapshot})
	s.writeJobLog(snapshot)
	s.finishMetrics(job, "completed", start)
	s.logger.Info("job completed", "job_id", job.ID, "duration", time.Since(start))
}

// finishGit runs commit/push/PR for a successful job. Failures are recorded
// but never downgrade the job status.
func (s *Scheduler) finishGit(ctx context.Context, job *store.Job, wf *gitflow.Workflow) {
	res, err := s.git.Finish(ctx, wf)
	if err != nil {
		s.logger.Warn("git workflow failed after job success", "job_id", job.ID, "error", err)
		return
	}

	s.mu.Lock()
	if job.Git == nil {
		job.Git = &store.GitInfo{BranchName: wf.BranchName, OriginalBranch: wf.OriginalBranch}
	}
	job.Git.CommitSHA = res.CommitSHA
	job.Git.PRURL = res.PRURL
	job.Git.ChangedFiles = res.ChangedFiles
	s.mu.Unlock()
}

// finishFailure classifies the error and either schedules a retry or marks
// the job failed for good.
func (s *Scheduler) finishFailure(ctx context.Context, job *store.Job, wf *gitflow.Workflow, runErr error, start time.Time) {
	verdict := classify.Classify(runErr)

	s.mu.Lock()
	retryCount := job.RetryCount
	s.mu.Unlock()

	if verdict.Retryable && retryCount < s.cfg.MaxRetries {
		s.scheduleRetry(ctx, job, wf, verdict)
		s.finishMetrics(job, "retried", start)
		return
	}

	s.mu.Lock()
	now := time.Now().UTC()
	job.Status = store.StatusFailed
	job.CompletedAt = &now
	job.RetryPending = false
	job.Error = failureFrom(runErr)
	snapshot := job.Clone()
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	s.cleanupGit(ctx, wf)
	s.events.emit(Event{Type: EventJobFailed, Job: snapshot})
	s.persist(ctx, snapshot)
	s.writeJobLog(snapshot)
	s.finishMetrics(job, "failed", start)
	s.logger.Error("job failed", "job_id", job.ID,
		"error", runErr, "reason", verdict.Reason, "retries", retryCount)
}

// scheduleRetry re-queues the job behind a delay timer. The attempt's work
// branch is discarded so the next attempt starts from the base branch.
func (s *Scheduler) scheduleRetry(ctx context.Context, job *store.Job, wf *gitflow.Workflow, verdict classify.Classification) {
	delay := verdict.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	s.cleanupGit(ctx, wf)

	s.mu.Lock()
	job.RetryCount++
	job.Status = store.StatusQueued
	job.StartedAt = nil
	job.Error = nil
	job.RetryPending = true
	job.Git = nil
	attempt := job.RetryCount
	snapshot := job.Clone()
	s.mu.Unlock()

	info := &RetryInfo{
		Attempt:     attempt,
		MaxAttempts: s.cfg.MaxRetries,
		Reason:      verdict.Reason,
		Delay:       delay,
	}
	s.events.emit(Event{Type: EventRetryCreated, Job: snapshot, Retry: info})
	s.persist(ctx, snapshot)
	if s.meter != nil {
		s.meter.JobRetried(job.PipelineID)
	}
	s.logger.Warn("job retry scheduled", "job_id", job.ID,
		"attempt", attempt, "max_attempts", s.cfg.MaxRetries,
		"delay", delay, "reason", verdict.Reason)

	s.mu.Lock()
	if t, ok := s.retryTimers[job.ID]; ok {
		t.Stop()
	}
	s.retryTimers[job.ID] = time.AfterFunc(delay, func() { s.retryFire(job.ID) })
	s.mu.Unlock()
}

// retryFire moves a retry-pending job back into the queue. The job may have
// been cancelled, paused, or replaced while the timer ran; each case aborts.
func (s *Scheduler) retryFire(id string) {
	s.mu.Lock()
	if t, ok := s.retryTimers[id]; ok {
		t.Stop()
		delete(s.retryTimers, id)
	}

	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !job.RetryPending {
		s.mu.Unlock()
		return
	}
	if job.Status != store.StatusQueued {
		job.RetryPending = false
		s.mu.Unlock()
		return
	}

	job.RetryPending = false
	s.queue = append(s.queue, id)
	s.mu.Unlock()

	s.logger.Info("retry timer fired, job re-queued", "job_id", id)
	s.dispatch()
}

// failureFrom converts a handler error into the persisted failure shape.
func failureFrom(err error) *store.JobFailure {
	failure := &store.JobFailure{Message: err.Error()}

	var jobErr *classify.JobError
	if errors.As(err, &jobErr) {
		failure.Code = jobErr.Code
	}

	var pe *panicError
	if errors.As(err, &pe) {
		failure.Stack = string(pe.stack)
	}

	return failure
}

var logNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// writeJobLog drops one JSON file per terminal job into LogDir: <id>.json
// for completed jobs, <id>.error.json for failed ones.
func (s *Scheduler) writeJobLog(job *store.Job) {
	if s.cfg.LogDir == "" {
		return
	}

	name := logNameSanitizer.ReplaceAllString(job.ID, "_")
	if job.Status == store.StatusFailed {
		name += ".error.json"
	} else {
		name += ".json"
	}

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		s.logger.Warn("job log directory unavailable", "dir", s.cfg.LogDir, "error", err)
		return
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		s.logger.Warn("job log not serialisable", "job_id", job.ID, "error", err)
		return
	}

	path := filepath.Join(s.cfg.LogDir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		s.logger.Warn("job log write failed", "path", path, "error", err)
	}
}
