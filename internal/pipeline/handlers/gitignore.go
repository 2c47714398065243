package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bargom/sidequest/internal/classify"
	"github.com/bargom/sidequest/internal/store"
)

// junkPatterns is the audit baseline: artifacts and editor noise that every
// repository should ignore.
var junkPatterns = []string{
	"node_modules/",
	"__pycache__/",
	"*.pyc",
	".venv/",
	"dist/",
	"build/",
	"coverage/",
	"*.log",
	".env",
	".env.local",
	".DS_Store",
	"Thumbs.db",
	".vscode/",
	".idea/",
	"*.swp",
	"tmp/",
}

// GitignoreResult is the gitignore-update job result.
type GitignoreResult struct {
	Repository     string   `json:"repository"`
	Added          []string `json:"added"`
	AlreadyPresent int      `json:"alreadyPresent"`
	Updated        bool     `json:"updated"`
	Created        bool     `json:"created,omitempty"`
}

// GitignoreUpdater audits a repository's .gitignore against the junk
// pattern baseline and appends whatever is missing. Run inside the git
// workflow, the change lands as a branch and PR.
type GitignoreUpdater struct {
	logger *slog.Logger
}

// NewGitignoreUpdater builds the gitignore-update worker.
func NewGitignoreUpdater(logger *slog.Logger) *GitignoreUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitignoreUpdater{logger: logger.With("handler", "gitignore-update")}
}

type gitignorePayload struct {
	RepositoryPath string   `json:"repositoryPath"`
	ExtraPatterns  []string `json:"extraPatterns"`
}

// Run appends missing junk patterns to the repository's .gitignore.
func (g *GitignoreUpdater) Run(ctx context.Context, job *store.Job) (any, error) {
	var payload gitignorePayload
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, classify.WithCode("EINVAL", fmt.Sprintf("malformed job data: %v", err))
		}
	}
	if payload.RepositoryPath == "" {
		return nil, classify.WithCode("EINVAL", "repositoryPath is required")
	}

	info, err := os.Stat(payload.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if !info.IsDir() {
		return nil, classify.WithCode("ENOTDIR", fmt.Sprintf("%s is not a directory", payload.RepositoryPath))
	}

	path := filepath.Join(payload.RepositoryPath, ".gitignore")
	existing, created, err := readIgnoreFile(path)
	if err != nil {
		return nil, err
	}

	wanted := append(append([]string(nil), junkPatterns...), payload.ExtraPatterns...)

	result := &GitignoreResult{
		Repository: payload.RepositoryPath,
		Added:      []string{},
		Created:    created,
	}
	for _, pattern := range wanted {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if existing[pattern] {
			result.AlreadyPresent++
			continue
		}
		existing[pattern] = true
		result.Added = append(result.Added, pattern)
	}

	if len(result.Added) == 0 {
		g.logger.InfoContext(ctx, "gitignore already covers the baseline", "repository", payload.RepositoryPath)
		return result, nil
	}

	if err := appendPatterns(path, result.Added, created); err != nil {
		return nil, fmt.Errorf("update .gitignore: %w", err)
	}
	result.Updated = true

	g.logger.InfoContext(ctx, "gitignore updated",
		"repository", payload.RepositoryPath,
		"added", len(result.Added),
		"created", created,
	)
	return result, nil
}

// readIgnoreFile loads the existing pattern set; a missing file is an empty
// set with created=true.
func readIgnoreFile(path string) (map[string]bool, bool, error) {
	patterns := map[string]bool{}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return patterns, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read .gitignore: %w", err)
	}

	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns[line] = true
	}
	return patterns, false, nil
}

func appendPatterns(path string, added []string, created bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var sb strings.Builder
	if !created {
		// Separate from whatever the file ends with.
		sb.WriteString("\n")
	}
	sb.WriteString("# Added by sidequest gitignore audit\n")
	for _, p := range added {
		sb.WriteString(p)
		sb.WriteString("\n")
	}

	if _, err := f.WriteString(sb.String()); err != nil {
		return err
	}
	return f.Close()
}
