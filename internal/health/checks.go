package health

import (
	"context"

	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/bargom/sidequest/internal/secrets"
	"github.com/bargom/sidequest/internal/store"
)

// StoreCheck probes job persistence. Degraded mode keeps serving from the
// memory image, so it reports degraded rather than unhealthy.
func StoreCheck(st *store.Store) Checker {
	return NewCheck("store", SeverityCritical, func(ctx context.Context) CheckResult {
		h := st.Health()

		result := CheckResult{
			Status:  StatusHealthy,
			Message: h.Message,
			Details: map[string]any{
				"dbPath":       h.DBPath,
				"dbSizeBytes":  h.DBSizeBytes,
				"queuedWrites": h.QueuedWrites,
			},
		}

		switch h.Status {
		case "not_initialized":
			result.Status = StatusUnhealthy
			result.Message = "job store not initialized"
		case "degraded":
			result.Status = StatusDegraded
		}

		return result
	})
}

// SecretsCheck reports the circuit breaker state. An open breaker never
// blocks readiness: the process keeps running on cached secrets.
func SecretsCheck(mgr *secrets.Manager) Checker {
	return NewCheck("secrets", SeverityWarning, func(ctx context.Context) CheckResult {
		h := mgr.GetHealth()

		status := StatusHealthy
		if !h.Healthy {
			status = StatusDegraded
		}

		return CheckResult{
			Status: status,
			Details: map[string]any{
				"circuitState":  h.CircuitState,
				"usingFallback": h.UsingFallback,
				"failureCount":  h.FailureCount,
			},
		}
	})
}

// WorkersCheck reports whether the pipeline workers are dispatching.
func WorkersCheck(reg *pipeline.Registry) Checker {
	return NewCheck("workers", SeverityCritical, func(ctx context.Context) CheckResult {
		if !reg.Running() {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "pipeline workers not running",
			}
		}

		queued, active := 0, 0
		for _, w := range reg.Workers() {
			queued += w.QueueDepth()
			active += w.ActiveJobs()
		}

		return CheckResult{
			Status: StatusHealthy,
			Details: map[string]any{
				"queued": queued,
				"active": active,
			},
		}
	})
}
