package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NotNil(t, r)
	assert.NotNil(t, r.PrometheusRegistry())
}

func TestRegistry_JobLifecycleMetrics(t *testing.T) {
	r := NewRegistry(Config{Namespace: "test"})

	r.JobStarted()
	r.JobFinished("duplicate-detection", "completed", 1.5)
	r.JobRetried("duplicate-detection")

	body := scrape(t, r)
	assert.Contains(t, body, `test_jobs_total{outcome="completed",pipeline="duplicate-detection"} 1`)
	assert.Contains(t, body, `test_jobs_retries_total{pipeline="duplicate-detection"} 1`)
}

func TestRegistry_StoreMetrics(t *testing.T) {
	r := NewRegistry(Config{Namespace: "test"})

	r.StoreWrite("ok")
	r.StoreWrite("queued")
	r.SetStoreDegraded(true)
	r.SetStoreQueuedWrites(3)

	body := scrape(t, r)
	assert.Contains(t, body, `test_store_writes_total{status="ok"} 1`)
	assert.Contains(t, body, `test_store_writes_total{status="queued"} 1`)
	assert.Contains(t, body, `test_store_degraded 1`)
	assert.Contains(t, body, `test_store_queued_writes 3`)
}

func TestRegistry_BreakerState(t *testing.T) {
	r := NewRegistry(Config{Namespace: "test"})

	r.SetBreakerState(2)

	body := scrape(t, r)
	assert.Contains(t, body, `test_secrets_circuit_breaker_state 2`)
}

func TestHTTPMiddleware(t *testing.T) {
	r := NewRegistry(Config{Namespace: "test"})

	h := HTTPMiddleware(r)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/scans/start", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	body := scrape(t, r)
	assert.Contains(t, body, `status_code="201"`)
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sb strings.Builder
	sb.Write(rec.Body.Bytes())
	return sb.String()
}
