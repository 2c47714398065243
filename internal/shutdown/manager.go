// Package shutdown sequences graceful teardown: hooks run in priority order,
// equal priorities run concurrently, and everything is bounded by timeouts.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// State is the manager lifecycle phase.
type State int

const (
	StateRunning State = iota
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Manager coordinates graceful shutdown of all registered components.
type Manager struct {
	config  Config
	signals *signalHandler
	logger  *slog.Logger

	mu    sync.Mutex
	hooks []Hook
	state State

	shutdownOnce sync.Once
	done         chan struct{}

	errorsMu sync.Mutex
	errors   []error
}

// NewManager creates a shutdown manager. Zero config fields get defaults.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		signals: newSignalHandler(),
		logger:  logger.With("component", "shutdown"),
		state:   StateRunning,
		done:    make(chan struct{}),
	}
}

// Register adds a hook. Higher priorities run earlier; equal priorities run
// concurrently.
func (m *Manager) Register(name string, priority int, fn HookFunc) {
	m.mu.Lock()
	m.hooks = append(m.hooks, Hook{Name: name, Priority: priority, Fn: fn})
	m.mu.Unlock()
	m.logger.Debug("registered shutdown hook", "name", name, "priority", priority)
}

// ListenForSignals arms the signal handler. The first signal starts a
// graceful shutdown; a second one during shutdown exits immediately. The
// returned channel closes when shutdown completes.
func (m *Manager) ListenForSignals() <-chan struct{} {
	sigChan := m.signals.listen()

	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		m.logger.Info("received shutdown signal", "signal", sig.String())

		go func() {
			if sig, ok := <-sigChan; ok {
				m.logger.Error("second signal during shutdown, forcing exit", "signal", sig.String())
				os.Exit(1)
			}
		}()

		m.Shutdown()
	}()

	return m.done
}

// Shutdown runs all hooks. Safe to call more than once; only the first call
// does the work, later calls return immediately.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.setState(StateShuttingDown)
		m.logger.Info("starting graceful shutdown",
			"timeout", m.config.OverallTimeout,
			"hooks", m.hookCount())

		ctx, cancel := context.WithTimeout(context.Background(), m.config.OverallTimeout)
		defer cancel()

		m.executeHooks(ctx)

		m.setState(StateShutdown)
		m.logger.Info("graceful shutdown complete", "errors", len(m.Errors()))

		m.signals.stop()
		close(m.done)
	})
}

func (m *Manager) executeHooks(ctx context.Context) {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority > hooks[j].Priority
	})

	for _, group := range groupByPriority(hooks) {
		m.executeGroup(ctx, group)

		if ctx.Err() != nil {
			m.logger.Warn("shutdown window exceeded, skipping remaining hooks")
			m.addError(fmt.Errorf("overall shutdown timeout exceeded"))
			return
		}
	}
}

func (m *Manager) executeGroup(ctx context.Context, hooks []Hook) {
	var wg sync.WaitGroup
	for _, hook := range hooks {
		wg.Add(1)
		go func(h Hook) {
			defer wg.Done()
			m.executeHook(ctx, h)
		}(hook)
	}
	wg.Wait()
}

func (m *Manager) executeHook(ctx context.Context, hook Hook) {
	start := time.Now()
	m.logger.Info("executing shutdown hook", "name", hook.Name, "priority", hook.Priority)

	err := runWithTimeout(ctx, m.config.PerHookTimeout, hook.Name, hook.Fn)
	duration := time.Since(start)

	if duration > m.config.SlowHookThreshold {
		m.logger.Warn("slow shutdown hook", "name", hook.Name, "duration", duration)
	}

	if err != nil {
		m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err, "duration", duration)
		m.addError(fmt.Errorf("hook %s: %w", hook.Name, err))
		return
	}
	m.logger.Info("shutdown hook completed", "name", hook.Name, "duration", duration)
}

func groupByPriority(hooks []Hook) [][]Hook {
	if len(hooks) == 0 {
		return nil
	}

	var groups [][]Hook
	current := []Hook{hooks[0]}
	for _, h := range hooks[1:] {
		if h.Priority == current[0].Priority {
			current = append(current, h)
			continue
		}
		groups = append(groups, current)
		current = []Hook{h}
	}
	return append(groups, current)
}

func (m *Manager) addError(err error) {
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()
	m.errors = append(m.errors, err)
}

// Errors returns everything that went wrong during shutdown.
func (m *Manager) Errors() []error {
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()
	out := make([]error, len(m.errors))
	copy(out, m.errors)
	return out
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done closes when shutdown has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown has completed.
func (m *Manager) Wait() {
	<-m.done
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Manager) hookCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}
