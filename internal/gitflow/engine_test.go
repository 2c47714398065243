package gitflow

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSignature() *object.Signature {
	return &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
}

// initRepo creates a repository with one commit and returns its path, handle,
// and initial branch name.
func initRepo(t *testing.T) (string, *git.Repository, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeRepoFile(t, dir, "README.md", "hello\n")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{Author: testSignature()})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	return dir, repo, head.Name().Short()
}

func writeRepoFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func currentBranch(t *testing.T, repo *git.Repository) string {
	t.Helper()
	head, err := repo.Head()
	require.NoError(t, err)
	return head.Name().Short()
}

func newTestEngine(cfg Config) *Engine {
	return New(cfg, testLogger(), nil, nil)
}

func TestEngine_Setup(t *testing.T) {
	dir, repo, initial := initRepo(t)
	e := newTestEngine(Config{})

	wf, err := e.Setup(context.Background(), dir, "gitignore-update", "job-1")
	require.NoError(t, err)

	assert.Equal(t, initial, wf.OriginalBranch)
	assert.Regexp(t, regexp.MustCompile(`^automated/gitignore-update/job-1-\d+$`), wf.BranchName)
	assert.Equal(t, wf.BranchName, currentBranch(t, repo))
}

func TestEngine_Setup_BadRepo(t *testing.T) {
	e := newTestEngine(Config{})

	_, err := e.Setup(context.Background(), t.TempDir(), "gitignore-update", "job-1")
	assert.Error(t, err)
}

func TestEngine_Finish_NoChanges(t *testing.T) {
	dir, repo, initial := initRepo(t)
	e := newTestEngine(Config{})
	ctx := context.Background()

	wf, err := e.Setup(ctx, dir, "gitignore-update", "job-2")
	require.NoError(t, err)

	result, err := e.Finish(ctx, wf)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	// Cleanup ran: original branch restored, job branch removed.
	assert.Equal(t, initial, currentBranch(t, repo))
	_, err = repo.Reference(plumbing.NewBranchReferenceName(wf.BranchName), false)
	assert.Error(t, err)
}

func TestEngine_Finish_DryRun(t *testing.T) {
	dir, repo, initial := initRepo(t)
	e := newTestEngine(Config{DryRun: true})
	ctx := context.Background()

	wf, err := e.Setup(ctx, dir, "gitignore-update", "job-3")
	require.NoError(t, err)
	writeRepoFile(t, dir, ".gitignore", "node_modules/\n")

	result, err := e.Finish(ctx, wf)
	require.NoError(t, err)

	assert.Equal(t, "dry-run", result.CommitSHA)
	assert.Equal(t, "dry-run-"+wf.BranchName, result.PRURL)
	assert.Equal(t, []string{".gitignore"}, result.ChangedFiles)
	assert.False(t, result.Pushed)

	// Dry run always cleans up.
	assert.Equal(t, initial, currentBranch(t, repo))
	_, err = repo.Reference(plumbing.NewBranchReferenceName(wf.BranchName), false)
	assert.Error(t, err)
}

func TestEngine_Finish_CommitsChanges(t *testing.T) {
	dir, repo, _ := initRepo(t)
	e := newTestEngine(Config{})
	ctx := context.Background()

	wf, err := e.Setup(ctx, dir, "gitignore-update", "job-4")
	require.NoError(t, err)
	writeRepoFile(t, dir, ".gitignore", "dist/\n")
	writeRepoFile(t, dir, "README.md", "hello world\n")

	result, err := e.Finish(ctx, wf)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}$`), result.CommitSHA)
	assert.Equal(t, []string{".gitignore", "README.md"}, result.ChangedFiles)
	// No token, so the push fails and the PR is skipped.
	assert.False(t, result.Pushed)
	assert.Empty(t, result.PRURL)

	// The commit landed on the job branch and the tree is clean.
	assert.Equal(t, wf.BranchName, currentBranch(t, repo))
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, result.CommitSHA, head.Hash().String())

	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "gitignore-update: automated changes from job job-4", commit.Message)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	status, err := wt.Status()
	require.NoError(t, err)
	assert.True(t, status.IsClean())
}

func TestEngine_Cleanup(t *testing.T) {
	dir, repo, initial := initRepo(t)
	e := newTestEngine(Config{})
	ctx := context.Background()

	wf, err := e.Setup(ctx, dir, "gitignore-update", "job-5")
	require.NoError(t, err)
	writeRepoFile(t, dir, "scratch.txt", "partial work\n")

	e.Cleanup(ctx, wf)

	assert.Equal(t, initial, currentBranch(t, repo))
	_, err = repo.Reference(plumbing.NewBranchReferenceName(wf.BranchName), false)
	assert.Error(t, err)
}

func TestParseGitHubRemote(t *testing.T) {
	tests := []struct {
		remote    string
		owner     string
		repo      string
		expectErr bool
	}{
		{"https://github.com/bargom/sidequest.git", "bargom", "sidequest", false},
		{"https://github.com/bargom/sidequest", "bargom", "sidequest", false},
		{"git@github.com:bargom/sidequest.git", "bargom", "sidequest", false},
		{"git@github.com:bargom/sidequest", "bargom", "sidequest", false},
		{"/local/path/repo", "", "", true},
		{"git@github.com:broken", "", "", true},
	}

	for _, tt := range tests {
		owner, repo, err := ParseGitHubRemote(tt.remote)
		if tt.expectErr {
			assert.Error(t, err, tt.remote)
			continue
		}
		require.NoError(t, err, tt.remote)
		assert.Equal(t, tt.owner, owner)
		assert.Equal(t, tt.repo, repo)
	}
}

func TestGitHubPROpener_OpenPR(t *testing.T) {
	var labelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/bargom/widgets/pulls":
			assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"number": 7, "html_url": "https://github.com/bargom/widgets/pull/7"}`))
		case "/repos/bargom/widgets/issues/7/labels":
			labelled = true
			w.Write([]byte(`[]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	opener := NewGitHubPROpener("gh-token")
	opener.baseURL = srv.URL

	url, err := opener.OpenPR(context.Background(), PRRequest{
		Owner:  "bargom",
		Repo:   "widgets",
		Title:  "automated changes",
		Head:   "automated/x/job-1",
		Base:   "main",
		Labels: []string{"automated"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/bargom/widgets/pull/7", url)
	assert.True(t, labelled)
}

func TestGitHubPROpener_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Validation Failed"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	opener := NewGitHubPROpener("gh-token")
	opener.baseURL = srv.URL

	_, err := opener.OpenPR(context.Background(), PRRequest{Owner: "o", Repo: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestGitHubPROpener_NoToken(t *testing.T) {
	opener := NewGitHubPROpener("")

	_, err := opener.OpenPR(context.Background(), PRRequest{Owner: "o", Repo: "r"})
	assert.Error(t, err)
}
