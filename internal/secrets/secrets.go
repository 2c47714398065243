// Package secrets fetches runtime secrets from a remote provider behind a
// circuit breaker, with an on-disk fallback cache for when the provider is
// unreachable.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bargom/sidequest/pkg/metrics"
)

// ErrNoFallbackCache is returned when the live fetch failed and no cached
// secrets exist on disk.
var ErrNoFallbackCache = errors.New("no-fallback-cache")

// Config tunes the breaker and the fallback cache.
type Config struct {
	// Token is the provider service token; an empty token disables the
	// manager entirely.
	Token   string
	Project string
	Env     string

	FailureThreshold  uint32
	SuccessThreshold  uint32
	Timeout           time.Duration
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	CacheDir string
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// Fetcher retrieves the live secrets map from the provider.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Manager wraps a Fetcher with the breaker and the fallback cache.
type Manager struct {
	cfg     Config
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	meter   *metrics.Registry

	mu             sync.Mutex
	cache          map[string]string
	cacheLoadedAt  time.Time
	openedAt       time.Time
	failureCount   int
	currentBackoff time.Duration
	usingFallback  bool
	totalRequests  int
	totalSuccesses int
	totalFailures  int
}

// New builds a Manager around the given fetcher.
func New(cfg Config, fetcher Fetcher, logger *slog.Logger, meter *metrics.Registry) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With("component", "secrets"),
		meter:   meter,
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "secrets",
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: m.onStateChange,
	})

	return m
}

func (m *Manager) onStateChange(name string, from, to gobreaker.State) {
	m.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		m.openedAt = time.Now()
	case gobreaker.StateClosed:
		m.failureCount = 0
		m.currentBackoff = 0
	}
	m.mu.Unlock()

	m.logger.Warn("breaker state change",
		"from", stateLabel(from),
		"to", stateLabel(to),
	)
	if m.meter != nil {
		m.meter.SetBreakerState(stateGauge(to))
	}
}

// Get returns the secrets map. The live provider is tried whenever the
// breaker allows it; any live failure falls back to the cache. Only when
// both the live fetch and the cache are unavailable does Get fail, with
// ErrNoFallbackCache.
func (m *Manager) Get(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	m.totalRequests++
	m.mu.Unlock()

	res, err := m.breaker.Execute(func() (any, error) {
		return m.fetcher.Fetch(ctx)
	})

	if err == nil {
		live := res.(map[string]string)
		m.recordSuccess(live)
		return live, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Debug("breaker open, serving cached secrets")
	} else {
		m.recordFailure(err)
	}
	if m.meter != nil {
		m.meter.SecretsFetch("live", "error")
	}

	return m.fromCache(err)
}

func (m *Manager) recordSuccess(live map[string]string) {
	m.mu.Lock()
	m.totalSuccesses++
	m.failureCount = 0
	m.currentBackoff = 0
	m.usingFallback = false
	m.cache = live
	m.cacheLoadedAt = time.Now()
	m.mu.Unlock()

	if m.meter != nil {
		m.meter.SecretsFetch("live", "ok")
	}
	if err := m.writeCacheFile(live); err != nil {
		m.logger.Warn("failed to write secrets cache", "error", err)
	}
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.totalFailures++
	m.failureCount++
	m.currentBackoff = m.nextBackoff(m.failureCount)
	failures := m.failureCount
	backoff := m.currentBackoff
	m.mu.Unlock()

	m.logger.Warn("live secrets fetch failed",
		"error", err,
		"failure_count", failures,
		"next_backoff", backoff,
	)
}

// nextBackoff computes min(base * multiplier^n, maxBackoff) for the n-th
// consecutive failure.
func (m *Manager) nextBackoff(failures int) time.Duration {
	d := time.Duration(float64(m.cfg.BaseDelay) * math.Pow(m.cfg.BackoffMultiplier, float64(failures)))
	if d > m.cfg.MaxBackoff || d <= 0 {
		d = m.cfg.MaxBackoff
	}
	return d
}

func (m *Manager) fromCache(cause error) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadCacheLocked(); err != nil {
		m.logger.Warn("fallback cache unavailable", "error", err)
	}

	if len(m.cache) == 0 {
		return nil, fmt.Errorf("%w: live fetch failed (%v) and no cached secrets exist", ErrNoFallbackCache, cause)
	}

	m.usingFallback = true
	if m.meter != nil {
		m.meter.SecretsFetch("cache", "ok")
	}

	out := make(map[string]string, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out, nil
}

// loadCacheLocked reads the cache file unless a copy was loaded within the
// TTL window. Callers hold m.mu.
func (m *Manager) loadCacheLocked() error {
	if m.cache != nil && time.Since(m.cacheLoadedAt) < m.cfg.CacheTTL {
		return nil
	}

	data, err := m.readCacheFile()
	if err != nil {
		return err
	}

	m.cache = data
	m.cacheLoadedAt = time.Now()
	m.logger.Info("loaded secrets from fallback cache", "keys", len(data))
	return nil
}

// Health reports the breaker and cache state for the health endpoint.
type Health struct {
	CircuitState     string        `json:"circuitState"`
	Healthy          bool          `json:"healthy"`
	UsingFallback    bool          `json:"usingFallback"`
	FailureCount     int           `json:"failureCount"`
	CurrentBackoffMs int64         `json:"currentBackoffMs"`
	CacheLoadedAt    *time.Time    `json:"cacheLoadedAt,omitempty"`
	Metrics          HealthMetrics `json:"metrics"`
}

// HealthMetrics carries the request tallies.
type HealthMetrics struct {
	TotalRequests  int `json:"totalRequests"`
	TotalSuccesses int `json:"totalSuccesses"`
	TotalFailures  int `json:"totalFailures"`
}

// GetHealth snapshots the breaker state.
func (m *Manager) GetHealth() Health {
	state := m.breaker.State()

	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		CircuitState:     stateLabel(state),
		Healthy:          state == gobreaker.StateClosed,
		UsingFallback:    m.usingFallback,
		FailureCount:     m.failureCount,
		CurrentBackoffMs: m.currentBackoff.Milliseconds(),
		Metrics: HealthMetrics{
			TotalRequests:  m.totalRequests,
			TotalSuccesses: m.totalSuccesses,
			TotalFailures:  m.totalFailures,
		},
	}
	if !m.cacheLoadedAt.IsZero() {
		t := m.cacheLoadedAt
		h.CacheLoadedAt = &t
	}
	return h
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
