package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/sidequest/internal/store"
)

func gitignoreJob(t *testing.T, repo string, extra ...string) *store.Job {
	t.Helper()

	payload := map[string]any{"repositoryPath": repo}
	if len(extra) > 0 {
		payload["extraPatterns"] = extra
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &store.Job{ID: "ignore-1", PipelineID: "gitignore-update", Data: data}
}

func TestGitignoreUpdater_CreatesFile(t *testing.T) {
	repo := t.TempDir()

	g := NewGitignoreUpdater(testLogger())
	result, err := g.Run(context.Background(), gitignoreJob(t, repo))
	require.NoError(t, err)

	res, ok := result.(*GitignoreResult)
	require.True(t, ok)
	assert.True(t, res.Created)
	assert.True(t, res.Updated)
	assert.Equal(t, junkPatterns, res.Added)
	assert.Zero(t, res.AlreadyPresent)

	content, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "# Added by sidequest gitignore audit")
	for _, p := range junkPatterns {
		assert.Contains(t, string(content), p)
	}
}

func TestGitignoreUpdater_AppendsOnlyMissing(t *testing.T) {
	repo := t.TempDir()
	seed := "# project ignores\nnode_modules/\n*.log\n"
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".gitignore"), []byte(seed), 0o644))

	g := NewGitignoreUpdater(testLogger())
	result, err := g.Run(context.Background(), gitignoreJob(t, repo))
	require.NoError(t, err)

	res := result.(*GitignoreResult)
	assert.False(t, res.Created)
	assert.True(t, res.Updated)
	assert.Equal(t, 2, res.AlreadyPresent)
	assert.NotContains(t, res.Added, "node_modules/")
	assert.NotContains(t, res.Added, "*.log")
	assert.Contains(t, res.Added, ".DS_Store")

	content, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	// The original content survives at the top.
	assert.Contains(t, string(content), "# project ignores")
	assert.Contains(t, string(content), ".DS_Store")
}

func TestGitignoreUpdater_NothingMissing(t *testing.T) {
	repo := t.TempDir()

	var seed string
	for _, p := range junkPatterns {
		seed += p + "\n"
	}
	path := filepath.Join(repo, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	g := NewGitignoreUpdater(testLogger())
	result, err := g.Run(context.Background(), gitignoreJob(t, repo))
	require.NoError(t, err)

	res := result.(*GitignoreResult)
	assert.False(t, res.Updated)
	assert.Empty(t, res.Added)
	assert.Equal(t, len(junkPatterns), res.AlreadyPresent)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, seed, string(content), "file must stay untouched")
}

func TestGitignoreUpdater_ExtraPatterns(t *testing.T) {
	repo := t.TempDir()

	g := NewGitignoreUpdater(testLogger())
	result, err := g.Run(context.Background(), gitignoreJob(t, repo, "secrets/", "  ", "*.bak"))
	require.NoError(t, err)

	res := result.(*GitignoreResult)
	assert.Contains(t, res.Added, "secrets/")
	assert.Contains(t, res.Added, "*.bak")

	content, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "secrets/")
}

func TestGitignoreUpdater_Idempotent(t *testing.T) {
	repo := t.TempDir()
	g := NewGitignoreUpdater(testLogger())

	_, err := g.Run(context.Background(), gitignoreJob(t, repo))
	require.NoError(t, err)

	result, err := g.Run(context.Background(), gitignoreJob(t, repo))
	require.NoError(t, err)

	res := result.(*GitignoreResult)
	assert.False(t, res.Updated)
	assert.Empty(t, res.Added)
}

func TestGitignoreUpdater_PayloadValidation(t *testing.T) {
	g := NewGitignoreUpdater(testLogger())

	_, err := g.Run(context.Background(), &store.Job{ID: "j"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repositoryPath is required")

	_, err = g.Run(context.Background(), gitignoreJob(t, filepath.Join(t.TempDir(), "missing")))
	require.Error(t, err)
}
