package activity

import (
	"fmt"

	"github.com/bargom/sidequest/internal/scheduler"
)

// noErrorDetails is recorded when a failure event carries no error payload.
const noErrorDetails = "Job failed with no error details"

var icons = map[string]string{
	"job:created":   "📥",
	"job:started":   "▶️",
	"job:completed": "✅",
	"job:failed":    "❌",
	"job:cancelled": "🚫",
	"job:paused":    "⏸️",
	"job:resumed":   "▶️",
	"retry:created": "🔄",
}

// IconFor maps an event type to its dashboard icon.
func IconFor(eventType string) string {
	if icon, ok := icons[eventType]; ok {
		return icon
	}
	return "📌"
}

// ListenToScheduler translates every scheduler emission into an activity
// entry.
func (s *Stream) ListenToScheduler(sched *scheduler.Scheduler) {
	sched.Subscribe(func(ev scheduler.Event) {
		s.Add(entryFromEvent(ev))
	})
}

func entryFromEvent(ev scheduler.Event) Entry {
	entry := Entry{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
	}

	job := ev.Job
	if job == nil {
		entry.Message = string(ev.Type)
		return entry
	}
	entry.JobID = job.ID
	entry.Status = string(job.Status)

	switch ev.Type {
	case scheduler.EventJobCreated:
		entry.Message = fmt.Sprintf("Job %s queued for %s", job.ID, job.PipelineID)
	case scheduler.EventJobStarted:
		entry.Message = fmt.Sprintf("Job %s started", job.ID)
	case scheduler.EventJobCompleted:
		entry.Message = fmt.Sprintf("Job %s completed", job.ID)
		entry.DurationMs = jobDuration(ev)
	case scheduler.EventJobFailed:
		entry.Error = failureInfo(ev)
		entry.Message = fmt.Sprintf("Job %s failed: %s", job.ID, entry.Error.Message)
		entry.DurationMs = jobDuration(ev)
	case scheduler.EventJobCancelled:
		entry.Message = fmt.Sprintf("Job %s cancelled", job.ID)
	case scheduler.EventJobPaused:
		entry.Message = fmt.Sprintf("Job %s paused", job.ID)
	case scheduler.EventJobResumed:
		entry.Message = fmt.Sprintf("Job %s resumed", job.ID)
	case scheduler.EventRetryCreated:
		if ev.Retry != nil {
			entry.Attempt = ev.Retry.Attempt
			entry.MaxAttempts = ev.Retry.MaxAttempts
			entry.Message = fmt.Sprintf("Job %s retry %d/%d in %s: %s",
				job.ID, ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.Delay, ev.Retry.Reason)
		} else {
			entry.Message = fmt.Sprintf("Job %s retry scheduled", job.ID)
		}
	default:
		entry.Message = string(ev.Type)
	}

	return entry
}

// failureInfo normalises the job error; a failure without details still gets
// a message.
func failureInfo(ev scheduler.Event) *ErrorInfo {
	if ev.Job == nil || ev.Job.Error == nil || ev.Job.Error.Message == "" {
		return &ErrorInfo{Message: noErrorDetails}
	}
	return &ErrorInfo{Message: ev.Job.Error.Message}
}

func jobDuration(ev scheduler.Event) *int64 {
	job := ev.Job
	if job == nil || job.StartedAt == nil || job.CompletedAt == nil {
		return nil
	}
	ms := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	return &ms
}
