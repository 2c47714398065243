// Package config loads and validates the server configuration from
// environment variables. Invalid values abort startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the full server configuration.
type Config struct {
	// Env mirrors the dashboard's runtime environment; the variable name is
	// shared with the Node tooling that deploys alongside this server.
	Env      string `env:"NODE_ENV" envDefault:"development" validate:"oneof=development test production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// Port is the preferred API port; JobsAPIPort overrides it when set so
	// deployments can pin the jobs API separately from PORT.
	Port            int `env:"PORT" envDefault:"3001" validate:"min=1,max=65535"`
	JobsAPIPort     int `env:"JOBS_API_PORT" validate:"omitempty,min=1,max=65535"`
	MaxPortFallback int `env:"MAX_PORT_FALLBACK" envDefault:"10" validate:"min=0,max=100"`
	HealthCheckPort int `env:"HEALTH_CHECK_PORT" validate:"omitempty,min=1,max=65535"`

	MaxConcurrent int    `env:"MAX_CONCURRENT" envDefault:"5" validate:"min=1,max=50"`
	MaxRetries    int    `env:"MAX_RETRIES" envDefault:"5" validate:"min=0,max=5"`
	DBPath        string `env:"JOBS_DB_PATH" envDefault:"data/jobs.db" validate:"required"`
	JobLogDir     string `env:"JOB_LOG_DIR" envDefault:"logs/jobs"`

	CronSchedule string `env:"CRON_SCHEDULE" envDefault:"0 2 * * *" validate:"required"`
	RunOnStartup bool   `env:"RUN_ON_STARTUP"`

	// SweepRepositories lists the repositories the cron sweep submits jobs
	// for; empty disables the sweep.
	SweepRepositories []string `env:"SWEEP_REPOSITORIES" envSeparator:","`

	// MigrationKey guards mutating API routes when set; empty leaves them
	// open (local development).
	MigrationKey string `env:"MIGRATION_KEY"`

	Doppler DopplerConfig
	Git     GitConfig
}

// DopplerConfig tunes the secrets breaker.
type DopplerConfig struct {
	Token   string `env:"DOPPLER_TOKEN"`
	Project string `env:"DOPPLER_PROJECT" envDefault:"sidequest"`
	Config  string `env:"DOPPLER_CONFIG" envDefault:"prd"`

	FailureThreshold  int     `env:"DOPPLER_FAILURE_THRESHOLD" envDefault:"3" validate:"min=1,max=100"`
	SuccessThreshold  int     `env:"DOPPLER_SUCCESS_THRESHOLD" envDefault:"2" validate:"min=1,max=100"`
	TimeoutMs         int     `env:"DOPPLER_TIMEOUT" envDefault:"5000" validate:"min=1"`
	BaseDelayMs       int     `env:"DOPPLER_BASE_DELAY_MS" envDefault:"1000" validate:"min=1"`
	BackoffMultiplier float64 `env:"DOPPLER_BACKOFF_MULTIPLIER" envDefault:"2.0" validate:"gt=1"`
	MaxBackoffMs      int     `env:"DOPPLER_MAX_BACKOFF_MS" envDefault:"10000" validate:"min=1"`
	CacheDir          string  `env:"DOPPLER_CACHE_DIR" envDefault:".doppler-fallback"`
}

// GitConfig tunes the per-job git workflow.
type GitConfig struct {
	WorkflowEnabled bool   `env:"ENABLE_GIT_WORKFLOW"`
	BaseBranch      string `env:"GIT_BASE_BRANCH" envDefault:"main" validate:"required"`
	BranchPrefix    string `env:"GIT_BRANCH_PREFIX" envDefault:"automated" validate:"required"`
	DryRun          bool   `env:"GIT_DRY_RUN"`
	Token           string `env:"GITHUB_TOKEN"`
	AuthorName      string `env:"GIT_AUTHOR_NAME" envDefault:"sidequest"`
	AuthorEmail     string `env:"GIT_AUTHOR_EMAIL" envDefault:"sidequest@localhost"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// APIPort returns the effective API port: JOBS_API_PORT wins over PORT.
func (c *Config) APIPort() int {
	if c.JobsAPIPort != 0 {
		return c.JobsAPIPort
	}
	return c.Port
}

// MaxPort bounds the port-fallback walk, inclusive.
func (c *Config) MaxPort() int {
	return c.APIPort() + c.MaxPortFallback
}

// Production reports whether the server runs in production mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// DopplerTimeout returns the breaker open timeout as a duration.
func (d DopplerConfig) DopplerTimeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// BaseDelay returns the first backoff step as a duration.
func (d DopplerConfig) BaseDelay() time.Duration {
	return time.Duration(d.BaseDelayMs) * time.Millisecond
}

// MaxBackoff returns the backoff ceiling as a duration.
func (d DopplerConfig) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffMs) * time.Millisecond
}
