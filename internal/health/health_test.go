package health_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/sidequest/internal/health"
	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/bargom/sidequest/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func healthyCheck(name string) health.Checker {
	return health.NewCheck(name, health.SeverityCritical, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy}
	})
}

func TestRegistry_AllHealthy(t *testing.T) {
	r := health.NewRegistry("1.2.3")
	r.Register(healthyCheck("a"))
	r.Register(healthyCheck("b"))

	resp := r.Health(context.Background())

	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Len(t, resp.Checks, 2)
	for name, result := range resp.Checks {
		assert.Equal(t, health.StatusHealthy, result.Status, name)
	}
}

func TestRegistry_CriticalFailureFlipsReadiness(t *testing.T) {
	r := health.NewRegistry("test")
	r.Register(healthyCheck("ok"))
	r.Register(health.NewCheck("broken", health.SeverityCritical, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy, Message: "down"}
	}))

	resp := r.Readiness(context.Background())
	assert.Equal(t, health.StatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["broken"].Message)
}

func TestRegistry_WarningFailureOnlyDegrades(t *testing.T) {
	r := health.NewRegistry("test")
	r.Register(healthyCheck("ok"))
	r.Register(health.NewCheck("flaky", health.SeverityWarning, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy}
	}))

	resp := r.Health(context.Background())
	assert.Equal(t, health.StatusDegraded, resp.Status)

	// Warning checks are excluded from readiness entirely.
	ready := r.Readiness(context.Background())
	assert.Equal(t, health.StatusHealthy, ready.Status)
	assert.NotContains(t, ready.Checks, "flaky")
}

func TestRegistry_LivenessIgnoresChecks(t *testing.T) {
	r := health.NewRegistry("test")
	r.Register(health.NewCheck("broken", health.SeverityCritical, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy}
	}))

	resp := r.Liveness(context.Background())
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHandler_StatusCodes(t *testing.T) {
	r := health.NewRegistry("test")
	r.Register(health.NewCheck("broken", health.SeverityCritical, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy}
	}))

	mux := http.NewServeMux()
	health.NewHandler(r).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	t.Run("ready returns 503 when critical check fails", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body health.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, health.StatusUnhealthy, body.Status)
	})

	t.Run("live returns 200 regardless", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health/live")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestStoreCheck(t *testing.T) {
	st, err := store.Open(context.Background(), store.Options{Path: ":memory:", Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	result := health.StoreCheck(st).Check(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "dbPath")
}

func TestWorkersCheck(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: ":memory:", Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := pipeline.NewRegistry(pipeline.Deps{Store: st, Logger: testLogger()})
	check := health.WorkersCheck(reg)

	result := check.Check(ctx)
	assert.Equal(t, health.StatusUnhealthy, result.Status)

	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(shutdownCtx)
	})

	result = check.Check(ctx)
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "queued")
}
