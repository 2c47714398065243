package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bargom/sidequest/internal/store"
)

// EventType labels a lifecycle emission.
type EventType string

// Job lifecycle events.
const (
	EventJobCreated   EventType = "job:created"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobCancelled EventType = "job:cancelled"
	EventJobPaused    EventType = "job:paused"
	EventJobResumed   EventType = "job:resumed"
	EventRetryCreated EventType = "retry:created"
)

// RetryInfo accompanies retry:created events.
type RetryInfo struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Reason      string        `json:"reason"`
	Delay       time.Duration `json:"delay"`
}

// Event is one lifecycle emission. Job is a snapshot; subscribers may keep it.
type Event struct {
	Type      EventType
	Job       *store.Job
	Retry     *RetryInfo
	Timestamp time.Time
}

// Subscriber receives events synchronously, in emission order.
type Subscriber func(Event)

// emitter fans events out to subscribers. A panicking subscriber is logged
// and skipped; it never aborts the emitting transition.
type emitter struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{logger: logger}
}

func (e *emitter) subscribe(fn Subscriber) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	for _, fn := range subs {
		e.deliver(fn, ev)
	}
}

func (e *emitter) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked",
				"event", ev.Type,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
