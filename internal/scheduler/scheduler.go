// Package scheduler owns the job lifecycle for one pipeline: a FIFO queue,
// a bounded pool of handler goroutines, retry timers with classification,
// and the optional per-job git workflow. All state transitions are
// serialised under one mutex; handlers, store writes, and git calls run
// outside it.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bargom/sidequest/internal/gitflow"
	"github.com/bargom/sidequest/internal/store"
	"github.com/bargom/sidequest/pkg/metrics"
)

const (
	defaultMaxConcurrent = 5
	defaultMaxRetries    = 5

	// absoluteMaxRetries bounds the retry ceiling no matter what the
	// configuration asks for.
	absoluteMaxRetries = 5
)

// Handler executes one job and returns its result payload.
type Handler interface {
	Run(ctx context.Context, job *store.Job) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *store.Job) (any, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, job *store.Job) (any, error) {
	return f(ctx, job)
}

// Config tunes one scheduler instance.
type Config struct {
	PipelineID    string
	MaxConcurrent int
	MaxRetries    int
	AutoStart     bool

	// LogDir receives one JSON file per terminal job; empty disables the
	// files.
	LogDir string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRetries > absoluteMaxRetries {
		c.MaxRetries = absoluteMaxRetries
	}
	return c
}

// Scheduler runs jobs for a single pipeline.
type Scheduler struct {
	cfg     Config
	handler Handler
	store   *store.Store
	git     *gitflow.Engine // nil disables the git workflow
	logger  *slog.Logger
	meter   *metrics.Registry
	events  *emitter

	mu          sync.Mutex
	jobs        map[string]*store.Job // non-terminal jobs only
	queue       []string
	activeJobs  int
	isRunning   bool
	seeded      bool
	retryTimers map[string]*time.Timer
	cancels     map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Scheduler. The git engine may be nil to disable branch/PR
// handling.
func New(cfg Config, handler Handler, st *store.Store, git *gitflow.Engine, logger *slog.Logger, meter *metrics.Registry) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler", "pipeline", cfg.PipelineID)

	return &Scheduler{
		cfg:         cfg,
		handler:     handler,
		store:       st,
		git:         git,
		logger:      logger,
		meter:       meter,
		events:      newEmitter(logger),
		jobs:        make(map[string]*store.Job),
		retryTimers: make(map[string]*time.Timer),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Subscribe registers a lifecycle event subscriber.
func (s *Scheduler) Subscribe(fn Subscriber) {
	s.events.subscribe(fn)
}

// PipelineID returns the pipeline this scheduler serves.
func (s *Scheduler) PipelineID() string {
	return s.cfg.PipelineID
}

// Start waits for the store to finish loading, seeds the runtime state from
// persisted jobs, and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	select {
	case <-s.store.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	needSeed := !s.seeded
	s.seeded = true
	s.mu.Unlock()

	if needSeed {
		if err := s.seed(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Info("scheduler started", "max_concurrent", s.cfg.MaxConcurrent)
	s.dispatch()
	return nil
}

// seed reloads this pipeline's live jobs from the store: queued jobs rejoin
// the queue in creation order, paused jobs become resumable, and jobs that
// were mid-flight when the process died are failed as interrupted.
func (s *Scheduler) seed(ctx context.Context) error {
	listByStatus := func(status store.JobStatus) ([]*store.Job, error) {
		jobs, _, err := s.store.List(ctx, s.cfg.PipelineID, store.ListOptions{
			Status: string(status),
			Limit:  1000,
		})
		return jobs, err
	}

	queued, err := listByStatus(store.StatusQueued)
	if err != nil {
		return fmt.Errorf("seed queued jobs: %w", err)
	}
	paused, err := listByStatus(store.StatusPaused)
	if err != nil {
		return fmt.Errorf("seed paused jobs: %w", err)
	}
	interrupted, err := listByStatus(store.StatusRunning)
	if err != nil {
		return fmt.Errorf("seed running jobs: %w", err)
	}

	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })

	s.mu.Lock()
	for _, job := range queued {
		s.jobs[job.ID] = job
		s.queue = append(s.queue, job.ID)
	}
	for _, job := range paused {
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()

	for _, job := range interrupted {
		now := time.Now().UTC()
		job.Status = store.StatusFailed
		job.CompletedAt = &now
		job.Error = &store.JobFailure{Message: "interrupted by restart"}
		s.persist(ctx, job)
		s.events.emit(Event{Type: EventJobFailed, Job: job.Clone()})
		s.logger.Warn("failed job interrupted by earlier shutdown", "job_id", job.ID)
	}

	if len(queued)+len(paused)+len(interrupted) > 0 {
		s.logger.Info("recovered persisted jobs",
			"queued", len(queued),
			"paused", len(paused),
			"interrupted", len(interrupted),
		)
	}
	return nil
}

// Stop halts dispatching; in-flight jobs run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Shutdown stops dispatching, cancels retry timers, and waits for in-flight
// handlers until the context expires; on expiry the handler contexts are
// cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	s.mu.Lock()
	for id, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, cancel := range s.cancels {
			cancel()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Running reports whether the dispatch loop is accepting work.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Busy reports whether any handler is currently executing.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobs > 0
}

// QueueDepth returns the number of jobs waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ActiveJobs returns the number of handlers currently executing.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobs
}

// Stats merges durable per-status counts with the live queue state.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats reports this pipeline's job counters.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.Counts(ctx, s.cfg.PipelineID)
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	queued := len(s.queue)
	active := s.activeJobs
	s.mu.Unlock()

	total := 0
	for _, n := range counts {
		total += n
	}

	return Stats{
		Total:     total,
		Queued:    queued,
		Active:    active,
		Completed: counts[store.StatusCompleted],
		Failed:    counts[store.StatusFailed],
	}, nil
}

// dispatch drains the queue while slots are free. It never blocks: handlers
// run on their own goroutines and call dispatch again as they finish.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if !s.isRunning || s.activeJobs >= s.cfg.MaxConcurrent || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		id := s.queue[0]
		s.queue = s.queue[1:]

		job, ok := s.jobs[id]
		if !ok || job.Status != store.StatusQueued {
			// Cancelled or paused while waiting; skip it.
			s.mu.Unlock()
			continue
		}

		s.activeJobs++
		ctx, cancel := context.WithCancel(context.Background())
		s.cancels[id] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

// persist writes the job snapshot; store failures are absorbed there and
// only logged here.
func (s *Scheduler) persist(ctx context.Context, job *store.Job) {
	if err := s.store.Save(ctx, job); err != nil {
		s.logger.Error("job persist rejected", "job_id", job.ID, "error", err)
	}
}

// repositoryPath pulls the target repository out of the job input, if any.
func repositoryPath(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var d struct {
		RepositoryPath string `json:"repositoryPath"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return ""
	}
	return d.RepositoryPath
}
