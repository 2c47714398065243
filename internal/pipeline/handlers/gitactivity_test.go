package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/sidequest/internal/store"
)

func initActivityRepo(t *testing.T) (string, *git.Worktree) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return dir, wt
}

func commitAs(t *testing.T, wt *git.Worktree, dir, file, content, author string, when time.Time) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	_, err := wt.Add(file)
	require.NoError(t, err)

	sig := &object.Signature{Name: author, Email: author + "@example.com", When: when}
	_, err = wt.Commit("update "+file, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
}

func activityJob(repo string, days int) *store.Job {
	data, _ := json.Marshal(map[string]any{"repositoryPath": repo, "days": days})
	return &store.Job{ID: "act-1", PipelineID: "git-activity", Data: data}
}

func TestGitActivity_CountsCommitsAndAuthors(t *testing.T) {
	dir, wt := initActivityRepo(t)
	now := time.Now()

	commitAs(t, wt, dir, "main.go", "package main\n", "alice", now.Add(-3*time.Hour))
	commitAs(t, wt, dir, "main.go", "package main\n\nfunc main() {}\n", "alice", now.Add(-2*time.Hour))
	commitAs(t, wt, dir, "README.md", "# readme\n", "bob", now.Add(-time.Hour))

	g := NewGitActivity(testLogger())
	result, err := g.Run(context.Background(), activityJob(dir, 7))
	require.NoError(t, err)

	report, ok := result.(*ActivityReport)
	require.True(t, ok)

	assert.Equal(t, 3, report.Commits)
	require.Len(t, report.Authors, 2)
	assert.Equal(t, AuthorActivity{Name: "alice", Commits: 2}, report.Authors[0])
	assert.Equal(t, AuthorActivity{Name: "bob", Commits: 1}, report.Authors[1])

	assert.Greater(t, report.Languages["Go"], 0)
	assert.Greater(t, report.Languages["Markdown"], 0)
	assert.Greater(t, report.FilesChanged, 0)
	assert.Greater(t, report.Additions, 0)
	assert.False(t, report.Truncated)
	assert.True(t, report.Since.Before(report.Until))
}

func TestGitActivity_WindowExcludesOldCommits(t *testing.T) {
	dir, wt := initActivityRepo(t)
	now := time.Now()

	commitAs(t, wt, dir, "old.go", "package old\n", "alice", now.AddDate(0, 0, -30))
	commitAs(t, wt, dir, "new.go", "package new\n", "alice", now.Add(-time.Hour))

	g := NewGitActivity(testLogger())
	result, err := g.Run(context.Background(), activityJob(dir, 7))
	require.NoError(t, err)

	report := result.(*ActivityReport)
	assert.Equal(t, 1, report.Commits)
}

func TestGitActivity_MaxCommitsTruncates(t *testing.T) {
	dir, wt := initActivityRepo(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		commitAs(t, wt, dir, "f.txt", fmt.Sprintf("revision %d\n", i), "alice", now.Add(-time.Duration(5-i)*time.Minute))
	}

	data, _ := json.Marshal(map[string]any{"repositoryPath": dir, "days": 7, "maxCommits": 2})
	g := NewGitActivity(testLogger())
	result, err := g.Run(context.Background(), &store.Job{ID: "act-2", Data: data})
	require.NoError(t, err)

	report := result.(*ActivityReport)
	assert.Equal(t, 2, report.Commits)
	assert.True(t, report.Truncated)
}

func TestGitActivity_NotARepository(t *testing.T) {
	g := NewGitActivity(testLogger())

	_, err := g.Run(context.Background(), activityJob(t.TempDir(), 7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open repository")
}

func TestGitActivity_PayloadValidation(t *testing.T) {
	g := NewGitActivity(testLogger())

	_, err := g.Run(context.Background(), &store.Job{ID: "j", Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repositoryPath is required")
}

func TestLanguageFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"cmd/main.go", "Go"},
		{"web/app.tsx", "TypeScript"},
		{"scripts/run.sh", "Shell"},
		{"package-lock.json", "Lock Files"},
		{"config.json", "JSON"},
		{"notes.txt", "Other"},
		{"Makefile", "Other"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, languageFor(tt.path), "path %s", tt.path)
	}
}
