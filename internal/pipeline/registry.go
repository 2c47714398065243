// Package pipeline maps pipeline ids to their workers. The registry is
// constructed once at startup and shared; each pipeline id resolves to the
// same lazily-built scheduler for the life of the process.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bargom/sidequest/internal/activity"
	"github.com/bargom/sidequest/internal/gitflow"
	"github.com/bargom/sidequest/internal/pipeline/handlers"
	"github.com/bargom/sidequest/internal/scheduler"
	"github.com/bargom/sidequest/internal/store"
	"github.com/bargom/sidequest/pkg/metrics"
)

// Pipeline ids served by this process.
const (
	DuplicateDetection = "duplicate-detection"
	GitActivity        = "git-activity"
	GitignoreUpdate    = "gitignore-update"
)

// supported is the fixed allow-list; ids outside it are rejected.
var supported = []string{DuplicateDetection, GitActivity, GitignoreUpdate}

// Supported returns the pipeline ids this server can run.
func Supported() []string {
	out := make([]string, len(supported))
	copy(out, supported)
	return out
}

// IsSupported reports whether id is on the allow-list.
func IsSupported(id string) bool {
	for _, s := range supported {
		if s == id {
			return true
		}
	}
	return false
}

// DisplayName returns the human-readable pipeline name shown by the
// dashboard. Unknown ids fall back to the raw id.
func DisplayName(id string) string {
	switch id {
	case DuplicateDetection:
		return "Duplicate Detection"
	case GitActivity:
		return "Git Activity"
	case GitignoreUpdate:
		return "Gitignore Update"
	default:
		return id
	}
}

// ErrUnknownPipeline wraps rejections of unsupported pipeline ids; the
// message names every supported id because the dashboard surfaces it.
func ErrUnknownPipeline(id string) error {
	return fmt.Errorf("unknown pipeline %q, supported pipelines: %s",
		id, strings.Join(supported, ", "))
}

// Deps carries everything a worker needs; the registry owns nothing else.
type Deps struct {
	Store   *store.Store
	Git     *gitflow.Engine // nil disables the git workflow on all workers
	Stream  *activity.Stream
	Logger  *slog.Logger
	Metrics *metrics.Registry

	MaxConcurrent int
	MaxRetries    int
	LogDir        string
}

// Registry lazily builds and caches one scheduler per pipeline id.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	workers  map[string]*scheduler.Scheduler
	started  bool
	shutdown bool
}

// NewRegistry builds an empty registry; workers are created on first use.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deps:    deps,
		logger:  logger.With("component", "registry"),
		workers: make(map[string]*scheduler.Scheduler),
	}
}

// Worker returns the scheduler for a pipeline id, building it on first use.
// The same id always yields the same instance. Workers created after Start
// begin dispatching immediately.
func (r *Registry) Worker(ctx context.Context, id string) (*scheduler.Scheduler, error) {
	if !IsSupported(id) {
		return nil, ErrUnknownPipeline(id)
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	if w, ok := r.workers[id]; ok {
		r.mu.Unlock()
		return w, nil
	}

	w := r.build(id)
	r.workers[id] = w
	autostart := r.started
	r.mu.Unlock()

	if r.deps.Stream != nil {
		r.deps.Stream.ListenToScheduler(w)
	}
	r.logger.Info("worker created", "pipeline", id)

	if autostart {
		if err := w.Start(ctx); err != nil {
			return nil, fmt.Errorf("start %s worker: %w", id, err)
		}
	}
	return w, nil
}

func (r *Registry) build(id string) *scheduler.Scheduler {
	cfg := scheduler.Config{
		PipelineID:    id,
		MaxConcurrent: r.deps.MaxConcurrent,
		MaxRetries:    r.deps.MaxRetries,
		LogDir:        r.deps.LogDir,
	}
	return scheduler.New(cfg, r.handlerFor(id), r.deps.Store, r.deps.Git, r.deps.Logger, r.deps.Metrics)
}

func (r *Registry) handlerFor(id string) scheduler.Handler {
	switch id {
	case DuplicateDetection:
		return handlers.NewDuplicateDetector(r.deps.Logger)
	case GitActivity:
		return handlers.NewGitActivity(r.deps.Logger)
	case GitignoreUpdate:
		return handlers.NewGitignoreUpdater(r.deps.Logger)
	default:
		// Worker() filters ids against the allow-list first.
		panic("unreachable pipeline id: " + id)
	}
}

// Start builds every supported worker and begins dispatching. It blocks
// until the store has finished loading.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	for _, id := range supported {
		w, err := r.Worker(ctx, id)
		if err != nil {
			return err
		}
		if !w.Running() {
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start %s worker: %w", id, err)
			}
		}
	}
	return nil
}

// Running reports whether Start has been called and Shutdown has not.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.shutdown
}

// Shutdown stops every worker and waits for in-flight handlers until the
// context expires. The registry rejects new workers afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	var firstErr error
	for _, w := range r.snapshot() {
		if err := w.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.logger.Info("all workers drained")
	return firstErr
}

// Workers returns the live workers sorted by pipeline id.
func (r *Registry) Workers() []*scheduler.Scheduler {
	workers := r.snapshot()
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].PipelineID() < workers[j].PipelineID()
	})
	return workers
}

func (r *Registry) snapshot() []*scheduler.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*scheduler.Scheduler, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}
