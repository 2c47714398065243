// Package cron triggers registered sweeps on standard 5-field crontab
// schedules. Ticks that land while the target worker is stopped are skipped,
// and missed ticks are never backfilled.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Gate reports whether the target of a sweep is accepting work.
type Gate interface {
	Running() bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func() bool

// Running calls f.
func (f GateFunc) Running() bool { return f() }

type entry struct {
	name string
	spec string
	gate Gate
	run  func(context.Context)
}

// Driver owns the schedule list and the underlying cron runner.
type Driver struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry
	runner  *cron.Cron
	started bool
}

// New builds an empty Driver.
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger.With("component", "cron")}
}

// Register adds a named sweep. The spec must be a standard 5-field crontab
// expression; it is validated here so a bad schedule aborts startup instead
// of surfacing at 2am. A nil gate never blocks the sweep.
func (d *Driver) Register(name, spec string, gate Gate, run func(context.Context)) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", spec, name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("cron driver already started")
	}

	d.entries = append(d.entries, entry{name: name, spec: spec, gate: gate, run: run})
	d.logger.Info("sweep registered", "name", name, "schedule", spec)
	return nil
}

// Start arms every registered schedule. With runOnStartup each sweep also
// fires once immediately, still subject to its gate.
func (d *Driver) Start(runOnStartup bool) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("cron driver already started")
	}
	d.started = true
	d.runner = cron.New()
	entries := make([]entry, len(d.entries))
	copy(entries, d.entries)
	runner := d.runner
	d.mu.Unlock()

	for _, e := range entries {
		e := e
		if _, err := runner.AddFunc(e.spec, func() { d.fire(e) }); err != nil {
			return fmt.Errorf("arm schedule for %s: %w", e.name, err)
		}
	}

	runner.Start()
	d.logger.Info("cron driver started", "sweeps", len(entries))

	if runOnStartup {
		for _, e := range entries {
			go d.fire(e)
		}
	}
	return nil
}

// fire runs one sweep unless its gate reports the target stopped.
func (d *Driver) fire(e entry) {
	if e.gate != nil && !e.gate.Running() {
		d.logger.Warn("sweep skipped, worker is stopped", "name", e.name)
		return
	}

	d.logger.Info("sweep triggered", "name", e.name)
	e.run(context.Background())
}

// Stop halts the schedule and waits for in-flight sweep callbacks until the
// context expires.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	runner := d.runner
	d.runner = nil
	d.started = false
	d.mu.Unlock()

	if runner == nil {
		return nil
	}

	select {
	case <-runner.Stop().Done():
		d.logger.Info("cron driver stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns the registered sweep names for the status endpoint.
func (d *Driver) Entries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, len(d.entries))
	for i, e := range d.entries {
		names[i] = e.name
	}
	return names
}
