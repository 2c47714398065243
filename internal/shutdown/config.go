package shutdown

import "time"

// Config bounds the shutdown sequence.
type Config struct {
	// OverallTimeout caps the whole sequence; hooks not reached by then
	// are skipped.
	OverallTimeout time.Duration

	// PerHookTimeout caps one hook.
	PerHookTimeout time.Duration

	// SlowHookThreshold triggers a warning log for hooks slower than this.
	SlowHookThreshold time.Duration
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		OverallTimeout:    30 * time.Second,
		PerHookTimeout:    10 * time.Second,
		SlowHookThreshold: 5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 30 * time.Second
	}
	if c.PerHookTimeout <= 0 {
		c.PerHookTimeout = 10 * time.Second
	}
	if c.SlowHookThreshold <= 0 {
		c.SlowHookThreshold = 5 * time.Second
	}
}
