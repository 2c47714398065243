package secrets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	data  map[string]string
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errProviderDown = errors.New("provider unreachable")

func newTestManager(t *testing.T, fetcher Fetcher, cfg Config) *Manager {
	t.Helper()
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	return New(cfg, fetcher, testLogger(), nil)
}

func TestManager_LiveFetchSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string]string{"API_KEY": "abc", "DB_URL": "xyz"}}
	m := newTestManager(t, fetcher, Config{})

	secrets, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", secrets["API_KEY"])

	h := m.GetHealth()
	assert.Equal(t, "CLOSED", h.CircuitState)
	assert.True(t, h.Healthy)
	assert.False(t, h.UsingFallback)
	assert.Zero(t, h.FailureCount)
	assert.Equal(t, 1, h.Metrics.TotalRequests)
	assert.Equal(t, 1, h.Metrics.TotalSuccesses)

	// Cache file landed on disk.
	_, statErr := os.Stat(m.cacheFile())
	assert.NoError(t, statErr)
}

func TestManager_LiveFailureServesCache(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string]string{"API_KEY": "abc"}}
	m := newTestManager(t, fetcher, Config{})
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)

	fetcher.setErr(errProviderDown)

	secrets, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", secrets["API_KEY"])

	h := m.GetHealth()
	assert.True(t, h.UsingFallback)
	assert.Equal(t, 1, h.FailureCount)
	assert.Equal(t, int64(2000), h.CurrentBackoffMs)
}

func TestManager_DiskCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestManager(t, &fakeFetcher{data: map[string]string{"TOKEN": "v1"}}, Config{CacheDir: dir})
	_, err := first.Get(ctx)
	require.NoError(t, err)

	// A fresh manager with a dead provider reads the file the first one wrote.
	second := newTestManager(t, &fakeFetcher{err: errProviderDown}, Config{CacheDir: dir})
	secrets, err := second.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", secrets["TOKEN"])
	assert.True(t, second.GetHealth().UsingFallback)
}

func TestManager_NoFallbackCache(t *testing.T) {
	m := newTestManager(t, &fakeFetcher{err: errProviderDown}, Config{})

	_, err := m.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoFallbackCache)
}

func TestManager_BreakerOpensAfterThreshold(t *testing.T) {
	fetcher := &fakeFetcher{err: errProviderDown}
	m := newTestManager(t, fetcher, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Get(ctx)
		assert.Error(t, err)
	}
	assert.Equal(t, "OPEN", m.GetHealth().CircuitState)
	assert.Equal(t, 3, fetcher.callCount())

	// Calls while open never reach the provider.
	_, err := m.Get(ctx)
	assert.Error(t, err)
	assert.Equal(t, 3, fetcher.callCount())
}

func TestManager_OpenServesCacheWithoutFetching(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string]string{"KEY": "cached"}}
	m := newTestManager(t, fetcher, Config{})
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)

	fetcher.setErr(errProviderDown)
	for i := 0; i < 3; i++ {
		_, err := m.Get(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, "OPEN", m.GetHealth().CircuitState)
	callsWhenOpened := fetcher.callCount()

	secrets, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached", secrets["KEY"])
	assert.Equal(t, callsWhenOpened, fetcher.callCount())
}

func TestManager_BreakerRecovers(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string]string{"KEY": "live"}, err: errProviderDown}
	m := newTestManager(t, fetcher, Config{Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Get(ctx)
	}
	require.Equal(t, "OPEN", m.GetHealth().CircuitState)

	fetcher.setErr(nil)
	time.Sleep(30 * time.Millisecond)

	// First probe succeeds but the breaker needs two in a row.
	_, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", m.GetHealth().CircuitState)

	_, err = m.Get(ctx)
	require.NoError(t, err)

	h := m.GetHealth()
	assert.Equal(t, "CLOSED", h.CircuitState)
	assert.True(t, h.Healthy)
	assert.Zero(t, h.FailureCount)
	assert.Zero(t, h.CurrentBackoffMs)
}

func TestManager_HalfOpenFailureReopens(t *testing.T) {
	fetcher := &fakeFetcher{err: errProviderDown}
	m := newTestManager(t, fetcher, Config{Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Get(ctx)
	}
	require.Equal(t, 3, fetcher.callCount())

	time.Sleep(30 * time.Millisecond)

	m.Get(ctx)
	assert.Equal(t, 4, fetcher.callCount())
	assert.Equal(t, "OPEN", m.GetHealth().CircuitState)
}

func TestManager_BackoffGrowsAndCaps(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string]string{"KEY": "v"}}
	m := newTestManager(t, fetcher, Config{})
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)

	fetcher.setErr(errProviderDown)
	wantBackoffs := []int64{2000, 4000, 8000}
	for _, want := range wantBackoffs {
		_, err := m.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, m.GetHealth().CurrentBackoffMs)
	}

	assert.Equal(t, 10*time.Second, m.nextBackoff(4))
	assert.Equal(t, 10*time.Second, m.nextBackoff(20))
}

func TestManager_CacheTTLSkipsReload(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeFetcher{data: map[string]string{"KEY": "original"}}
	m := newTestManager(t, fetcher, Config{CacheDir: dir})
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)

	// Replace the on-disk cache behind the manager's back.
	require.NoError(t, m.writeCacheFile(map[string]string{"KEY": "newer"}))
	fetcher.setErr(errProviderDown)

	secrets, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", secrets["KEY"], "in-memory copy is fresh, file not re-read")

	// Age the in-memory copy past the TTL and the file is consulted again.
	m.mu.Lock()
	m.cacheLoadedAt = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	secrets, err = m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newer", secrets["KEY"])
}

func TestCacheFile_RoundTrip(t *testing.T) {
	m := newTestManager(t, &fakeFetcher{}, Config{})

	want := map[string]string{"A": "1", "B": "2"}
	require.NoError(t, m.writeCacheFile(want))

	got, err := m.readCacheFile()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDopplerFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "sidequest", r.URL.Query().Get("project"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"API_KEY":"secret-value"}`))
	}))
	defer srv.Close()

	f := NewDopplerFetcher("test-token", "sidequest", "prd", time.Second)
	f.baseURL = srv.URL

	secrets, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-value", secrets["API_KEY"])
}

func TestDopplerFetcher_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"messages":["Invalid token"]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := NewDopplerFetcher("bad-token", "", "", time.Second)
	f.baseURL = srv.URL

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
