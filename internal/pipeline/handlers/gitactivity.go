package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/bargom/sidequest/internal/classify"
	"github.com/bargom/sidequest/internal/store"
)

const (
	defaultActivityDays = 7
	defaultMaxCommits   = 1000
)

// languageTable maps file suffixes to a report language, first match wins.
// Plain extensions match the file suffix; entries without a leading dot
// match the whole file name, so lock files rank before their extension.
var languageTable = []struct {
	language string
	suffixes []string
}{
	{"Lock Files", []string{".lock", "package-lock.json", "Gemfile.lock", "yarn.lock", "pnpm-lock.yaml"}},
	{"Go", []string{".go"}},
	{"Python", []string{".py", ".pyw"}},
	{"JavaScript", []string{".js", ".mjs", ".cjs", ".jsx"}},
	{"TypeScript", []string{".ts", ".tsx"}},
	{"Ruby", []string{".rb", ".rake", ".gemspec"}},
	{"HTML", []string{".html", ".htm"}},
	{"CSS", []string{".css", ".scss", ".sass", ".less"}},
	{"Markdown", []string{".md", ".markdown"}},
	{"JSON", []string{".json"}},
	{"YAML", []string{".yml", ".yaml"}},
	{"Shell", []string{".sh", ".bash", ".zsh"}},
	{"SQL", []string{".sql"}},
	{"Rust", []string{".rs"}},
	{"Java", []string{".java"}},
	{"C/C++", []string{".c", ".cpp", ".cc", ".h", ".hpp"}},
	{"PHP", []string{".php"}},
	{"Images", []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".svg"}},
}

// AuthorActivity is one contributor's share of the window.
type AuthorActivity struct {
	Name    string `json:"name"`
	Commits int    `json:"commits"`
}

// ActivityReport is the git-activity job result.
type ActivityReport struct {
	Repository   string           `json:"repository"`
	Since        time.Time        `json:"since"`
	Until        time.Time        `json:"until"`
	Commits      int              `json:"commits"`
	Authors      []AuthorActivity `json:"authors"`
	Languages    map[string]int   `json:"languages"`
	FilesChanged int              `json:"filesChanged"`
	Additions    int              `json:"additions"`
	Deletions    int              `json:"deletions"`
	Truncated    bool             `json:"truncated,omitempty"`
}

// GitActivity summarises recent commit activity for one repository.
type GitActivity struct {
	logger *slog.Logger
}

// NewGitActivity builds the git-activity worker.
func NewGitActivity(logger *slog.Logger) *GitActivity {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitActivity{logger: logger.With("handler", "git-activity")}
}

type activityPayload struct {
	RepositoryPath string `json:"repositoryPath"`
	Days           int    `json:"days"`
	MaxCommits     int    `json:"maxCommits"`
}

// Run walks the commit log of the target repository over the requested
// window and tallies commits, authors, and changed files by language.
func (g *GitActivity) Run(ctx context.Context, job *store.Job) (any, error) {
	var payload activityPayload
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, classify.WithCode("EINVAL", fmt.Sprintf("malformed job data: %v", err))
		}
	}
	if payload.RepositoryPath == "" {
		return nil, classify.WithCode("EINVAL", "repositoryPath is required")
	}
	days := payload.Days
	if days <= 0 {
		days = defaultActivityDays
	}
	maxCommits := payload.MaxCommits
	if maxCommits <= 0 {
		maxCommits = defaultMaxCommits
	}

	repo, err := git.PlainOpen(payload.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", payload.RepositoryPath, err)
	}

	until := time.Now().UTC()
	since := until.AddDate(0, 0, -days)

	iter, err := repo.Log(&git.LogOptions{All: true, Since: &since, Until: &until})
	if err != nil {
		return nil, fmt.Errorf("read commit log: %w", err)
	}
	defer iter.Close()

	report := &ActivityReport{
		Repository: payload.RepositoryPath,
		Since:      since,
		Until:      until,
		Languages:  map[string]int{},
	}
	authorCommits := map[string]int{}

	err = iter.ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if report.Commits >= maxCommits {
			report.Truncated = true
			return storer.ErrStop
		}

		report.Commits++
		authorCommits[c.Author.Name]++

		stats, err := c.Stats()
		if err != nil {
			// Stats need a diffable tree; odd merges are counted as
			// commits without file detail.
			return nil
		}
		for _, stat := range stats {
			report.FilesChanged++
			report.Additions += stat.Addition
			report.Deletions += stat.Deletion
			report.Languages[languageFor(stat.Name)]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk commits: %w", err)
	}

	for name, commits := range authorCommits {
		report.Authors = append(report.Authors, AuthorActivity{Name: name, Commits: commits})
	}
	sort.Slice(report.Authors, func(i, j int) bool {
		if report.Authors[i].Commits != report.Authors[j].Commits {
			return report.Authors[i].Commits > report.Authors[j].Commits
		}
		return report.Authors[i].Name < report.Authors[j].Name
	})

	g.logger.InfoContext(ctx, "activity collected",
		"repository", payload.RepositoryPath,
		"days", days,
		"commits", report.Commits,
		"authors", len(report.Authors),
	)
	return report, nil
}

func languageFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	base := filepath.Base(path)

	for _, entry := range languageTable {
		for _, s := range entry.suffixes {
			if s == ext || s == base {
				return entry.language
			}
		}
	}
	return "Other"
}
