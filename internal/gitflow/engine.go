// Package gitflow drives the per-job git workflow: branch off, detect and
// commit handler changes, push, open a pull request, and restore the
// original branch.
package gitflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	BaseBranch   string
	BranchPrefix string
	DryRun       bool

	// Token authenticates pushes and pull requests. Empty skips both with a
	// warning; commits still happen locally.
	Token       string
	AuthorName  string
	AuthorEmail string
}

func (c Config) withDefaults() Config {
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "automated"
	}
	if c.AuthorName == "" {
		c.AuthorName = "sidequest"
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = "sidequest@localhost"
	}
	return c
}

// MessageGenerator produces commit and PR text for a job. Implementations
// may be swapped per pipeline.
type MessageGenerator interface {
	CommitMessage(jobType, jobID string) string
	PRTitle(jobType, jobID string) string
	PRBody(jobType, jobID string, changedFiles []string) string
	PRLabels(jobType string) []string
}

type defaultMessages struct{}

func (defaultMessages) CommitMessage(jobType, jobID string) string {
	return fmt.Sprintf("%s: automated changes from job %s", jobType, jobID)
}

func (defaultMessages) PRTitle(jobType, jobID string) string {
	return fmt.Sprintf("%s: automated changes (%s)", jobType, jobID)
}

func (defaultMessages) PRBody(jobType, jobID string, changedFiles []string) string {
	body := fmt.Sprintf("Automated changes produced by the %s pipeline (job %s).\n\nChanged files:\n", jobType, jobID)
	for _, f := range changedFiles {
		body += "- " + f + "\n"
	}
	return body
}

func (defaultMessages) PRLabels(jobType string) []string {
	return []string{"automated", jobType}
}

// Engine executes the workflow against local repositories.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	messages MessageGenerator
	prOpener PROpener

	now func() time.Time
}

// New builds an Engine. A nil generator uses the default commit/PR text; a
// nil opener uses the GitHub API (or a synthetic opener under dry run).
func New(cfg Config, logger *slog.Logger, messages MessageGenerator, opener PROpener) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if messages == nil {
		messages = defaultMessages{}
	}
	if opener == nil {
		opener = NewGitHubPROpener(cfg.Token)
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "gitflow"),
		messages: messages,
		prOpener: opener,
		now:      time.Now,
	}
}

// Workflow is the per-job state carried between Setup, Finish and Cleanup.
type Workflow struct {
	RepoPath       string
	JobID          string
	JobType        string
	BranchName     string
	OriginalBranch string
}

// Result summarises a finished workflow.
type Result struct {
	CommitSHA    string
	PRURL        string
	ChangedFiles []string
	Pushed       bool

	// Skipped is set when the working tree had no changes to commit.
	Skipped bool
}

// Setup captures the current branch and checks out a fresh job branch. The
// caller runs the handler afterwards, then calls Finish or Cleanup.
func (e *Engine) Setup(ctx context.Context, repoPath, jobType, jobID string) (*Workflow, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	original := e.cfg.BaseBranch
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		original = head.Name().Short()
	}

	branch := fmt.Sprintf("%s/%s/%s-%d", e.cfg.BranchPrefix, jobType, jobID, e.now().Unix())

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}

	e.logger.Info("job branch created",
		"repo", repoPath,
		"branch", branch,
		"original_branch", original,
	)

	return &Workflow{
		RepoPath:       repoPath,
		JobID:          jobID,
		JobType:        jobType,
		BranchName:     branch,
		OriginalBranch: original,
	}, nil
}

// Finish detects changes, commits, pushes, and opens a PR. Push and PR
// failures are warnings; the returned Result carries whatever succeeded.
// A clean working tree returns Skipped and performs cleanup.
func (e *Engine) Finish(ctx context.Context, wf *Workflow) (*Result, error) {
	repo, err := git.PlainOpen(wf.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	changed, err := changedFiles(wt)
	if err != nil {
		return nil, fmt.Errorf("detect changes: %w", err)
	}
	if len(changed) == 0 {
		e.logger.Info("no changes detected, skipping commit", "job_id", wf.JobID)
		e.Cleanup(ctx, wf)
		return &Result{Skipped: true}, nil
	}

	result := &Result{ChangedFiles: changed}

	if e.cfg.DryRun {
		result.CommitSHA = "dry-run"
		result.PRURL = "dry-run-" + wf.BranchName
		e.logger.Info("dry run, skipping commit/push/PR",
			"job_id", wf.JobID,
			"changed_files", len(changed),
		)
		e.Cleanup(ctx, wf)
		return result, nil
	}

	sha, err := e.commit(wt, wf)
	if err != nil {
		return nil, err
	}
	result.CommitSHA = sha

	if err := e.push(ctx, repo, wf); err != nil {
		e.logger.Warn("push failed, skipping PR", "branch", wf.BranchName, "error", err)
		return result, nil
	}
	result.Pushed = true

	prURL, err := e.openPR(ctx, repo, wf, changed)
	if err != nil {
		e.logger.Warn("pull request failed", "branch", wf.BranchName, "error", err)
		return result, nil
	}
	result.PRURL = prURL

	return result, nil
}

func (e *Engine) commit(wt *git.Worktree, wf *Workflow) (string, error) {
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	hash, err := wt.Commit(e.messages.CommitMessage(wf.JobType, wf.JobID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  e.cfg.AuthorName,
			Email: e.cfg.AuthorEmail,
			When:  e.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	e.logger.Info("changes committed", "job_id", wf.JobID, "sha", hash.String())
	return hash.String(), nil
}

func (e *Engine) push(ctx context.Context, repo *git.Repository, wf *Workflow) error {
	if e.cfg.Token == "" {
		return fmt.Errorf("no git token configured")
	}

	return repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth: &githttp.BasicAuth{
			Username: "x-access-token",
			Password: e.cfg.Token,
		},
	})
}

func (e *Engine) openPR(ctx context.Context, repo *git.Repository, wf *Workflow, changed []string) (string, error) {
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", fmt.Errorf("no origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("origin remote has no URL")
	}

	owner, name, err := ParseGitHubRemote(urls[0])
	if err != nil {
		return "", err
	}

	return e.prOpener.OpenPR(ctx, PRRequest{
		Owner:  owner,
		Repo:   name,
		Title:  e.messages.PRTitle(wf.JobType, wf.JobID),
		Body:   e.messages.PRBody(wf.JobType, wf.JobID, changed),
		Head:   wf.BranchName,
		Base:   e.cfg.BaseBranch,
		Labels: e.messages.PRLabels(wf.JobType),
	})
}

// Cleanup restores the original branch and deletes the job branch. Errors
// are logged, never returned: cleanup runs on failure paths where the job
// outcome is already decided.
func (e *Engine) Cleanup(ctx context.Context, wf *Workflow) {
	repo, err := git.PlainOpen(wf.RepoPath)
	if err != nil {
		e.logger.Warn("cleanup: open repository failed", "repo", wf.RepoPath, "error", err)
		return
	}
	wt, err := repo.Worktree()
	if err != nil {
		e.logger.Warn("cleanup: open worktree failed", "repo", wf.RepoPath, "error", err)
		return
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(wf.OriginalBranch),
		Force:  true,
	}); err != nil {
		e.logger.Warn("cleanup: restore branch failed",
			"branch", wf.OriginalBranch,
			"error", err,
		)
		return
	}

	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(wf.BranchName)); err != nil {
		e.logger.Warn("cleanup: delete branch failed", "branch", wf.BranchName, "error", err)
		return
	}

	e.logger.Info("job branch cleaned up", "branch", wf.BranchName, "restored", wf.OriginalBranch)
}

// changedFiles lists paths with staged or worktree modifications, sorted.
func changedFiles(wt *git.Worktree) ([]string, error) {
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}

	var files []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}
