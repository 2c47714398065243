// Package health aggregates component readiness for the health endpoints and
// the standalone health check listener.
package health

import (
	"context"
	"time"
)

// Status is the health of one component or of the whole process.
type Status string

const (
	// StatusHealthy means the component is functioning normally.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the component works with reduced guarantees,
	// like a store queueing writes in memory.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the component is not functioning.
	StatusUnhealthy Status = "unhealthy"
)

// Severity decides whether a failing check flips readiness.
type Severity string

const (
	// SeverityCritical checks gate the ready endpoint.
	SeverityCritical Severity = "critical"
	// SeverityWarning checks are reported but never block traffic.
	SeverityWarning Severity = "warning"
)

// Response is the body of the health endpoints.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Checker is one named health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	Severity() Severity
}

// Check adapts a function into a Checker.
type Check struct {
	name     string
	severity Severity
	fn       func(ctx context.Context) CheckResult
}

// NewCheck wraps fn as a named Checker.
func NewCheck(name string, severity Severity, fn func(ctx context.Context) CheckResult) *Check {
	return &Check{name: name, severity: severity, fn: fn}
}

func (c *Check) Name() string { return c.name }

func (c *Check) Severity() Severity { return c.severity }

func (c *Check) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
