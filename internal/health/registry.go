package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds one full probe round.
const checkTimeout = 5 * time.Second

// Registry runs registered checks and folds them into one verdict.
type Registry struct {
	mu        sync.RWMutex
	checkers  []Checker
	startTime time.Time
	version   string
}

// NewRegistry creates an empty health registry.
func NewRegistry(version string) *Registry {
	return &Registry{
		startTime: time.Now(),
		version:   version,
	}
}

// Register adds a checker. Not safe to call concurrently with itself, fine
// to call while checks are running.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

// Liveness answers "is the process alive": always healthy when reachable.
func (r *Registry) Liveness(ctx context.Context) Response {
	return Response{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
	}
}

// Readiness runs only the critical checks; any unhealthy result flips the
// verdict to unhealthy.
func (r *Registry) Readiness(ctx context.Context) Response {
	return r.run(ctx, true)
}

// Health runs every check, critical and warning alike.
func (r *Registry) Health(ctx context.Context) Response {
	return r.run(ctx, false)
}

func (r *Registry) run(ctx context.Context, criticalOnly bool) Response {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checks  = make(map[string]CheckResult)
		overall = StatusHealthy
	)

	for _, checker := range checkers {
		if criticalOnly && checker.Severity() != SeverityCritical {
			continue
		}

		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			start := time.Now()
			result := c.Check(ctx)
			result.Duration = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			checks[c.Name()] = result

			switch {
			case result.Status == StatusUnhealthy && c.Severity() == SeverityCritical:
				overall = StatusUnhealthy
			case result.Status != StatusHealthy && overall == StatusHealthy:
				overall = StatusDegraded
			}
		}(checker)
	}

	wg.Wait()

	return Response{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
		Checks:    checks,
	}
}
