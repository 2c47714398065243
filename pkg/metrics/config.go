// Package metrics provides Prometheus metrics collection for the sidequest server.
package metrics

// Config holds configuration for the metrics module.
type Config struct {
	// Namespace is the prefix for all metrics (default: "sidequest")
	Namespace string

	// EnableProcessMetrics enables Go process metrics (CPU, memory, goroutines)
	EnableProcessMetrics bool

	// EnableRuntimeMetrics enables Go runtime metrics
	EnableRuntimeMetrics bool

	// HTTPDurationBuckets for HTTP request duration in seconds
	HTTPDurationBuckets []float64

	// JobDurationBuckets for job execution duration in seconds
	JobDurationBuckets []float64
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:            "sidequest",
		EnableProcessMetrics: true,
		EnableRuntimeMetrics: true,
		HTTPDurationBuckets:  []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		JobDurationBuckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800},
	}
}
