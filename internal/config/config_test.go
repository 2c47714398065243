package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3001, cfg.APIPort())
	assert.Equal(t, 3011, cfg.MaxPort())
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "0 2 * * *", cfg.CronSchedule)
	assert.False(t, cfg.RunOnStartup)
	assert.False(t, cfg.Git.WorkflowEnabled)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.Equal(t, "automated", cfg.Git.BranchPrefix)
	assert.Equal(t, 3, cfg.Doppler.FailureThreshold)
	assert.Equal(t, 2, cfg.Doppler.SuccessThreshold)
}

func TestLoad_JobsAPIPortOverridesPort(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("JOBS_API_PORT", "9001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.APIPort())
}

func TestLoad_MaxConcurrentBounds(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "51")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("MAX_CONCURRENT", "0")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("MAX_CONCURRENT", "50")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxConcurrent)
}

func TestLoad_PortOutOfRange(t *testing.T) {
	t.Setenv("PORT", "70000")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidEnvName(t *testing.T) {
	t.Setenv("NODE_ENV", "staging")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_NonNumericPortRejected(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_DopplerDurations(t *testing.T) {
	t.Setenv("DOPPLER_TIMEOUT", "250")
	t.Setenv("DOPPLER_BASE_DELAY_MS", "100")
	t.Setenv("DOPPLER_MAX_BACKOFF_MS", "400")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "250ms", cfg.Doppler.DopplerTimeout().String())
	assert.Equal(t, "100ms", cfg.Doppler.BaseDelay().String())
	assert.Equal(t, "400ms", cfg.Doppler.MaxBackoff().String())
}

func TestLoad_SweepRepositoriesSplit(t *testing.T) {
	t.Setenv("SWEEP_REPOSITORIES", "/srv/repo-a,/srv/repo-b")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/repo-a", "/srv/repo-b"}, cfg.SweepRepositories)
}
