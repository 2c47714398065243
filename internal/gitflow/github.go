package gitflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PRRequest describes one pull request to open.
type PRRequest struct {
	Owner  string
	Repo   string
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// PROpener opens a pull request and returns its URL.
type PROpener interface {
	OpenPR(ctx context.Context, req PRRequest) (string, error)
}

// GitHubPROpener talks to the GitHub REST API.
type GitHubPROpener struct {
	token   string
	client  *http.Client
	baseURL string
}

// NewGitHubPROpener builds an opener authenticated with the given token.
func NewGitHubPROpener(token string) *GitHubPROpener {
	return &GitHubPROpener{
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: "https://api.github.com",
	}
}

type prCreateBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

type prCreateResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// OpenPR creates the pull request, then applies labels best-effort.
func (g *GitHubPROpener) OpenPR(ctx context.Context, req PRRequest) (string, error) {
	if g.token == "" {
		return "", fmt.Errorf("no git token configured")
	}

	payload, err := json.Marshal(prCreateBody{
		Title: req.Title,
		Body:  req.Body,
		Head:  req.Head,
		Base:  req.Base,
	})
	if err != nil {
		return "", fmt.Errorf("marshal PR body: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/pulls", g.baseURL, req.Owner, req.Repo)
	var created prCreateResponse
	if err := g.post(ctx, url, payload, &created); err != nil {
		return "", err
	}

	if len(req.Labels) > 0 {
		labelURL := fmt.Sprintf("%s/repos/%s/%s/issues/%d/labels", g.baseURL, req.Owner, req.Repo, created.Number)
		labelPayload, _ := json.Marshal(map[string][]string{"labels": req.Labels})
		// Labels are cosmetic; the PR exists either way.
		_ = g.post(ctx, labelURL, labelPayload, nil)
	}

	return created.HTMLURL, nil
}

func (g *GitHubPROpener) post(ctx context.Context, url string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("github returned %d: %s", resp.StatusCode, firstLine(string(body)))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// ParseGitHubRemote extracts owner and repository from an HTTPS or SSH
// remote URL.
func ParseGitHubRemote(remote string) (owner, repo string, err error) {
	cleaned := strings.TrimSuffix(remote, ".git")

	switch {
	case strings.HasPrefix(cleaned, "https://"), strings.HasPrefix(cleaned, "http://"):
		parts := strings.Split(cleaned, "/")
		if len(parts) < 5 {
			return "", "", fmt.Errorf("unrecognised remote URL %q", remote)
		}
		return parts[len(parts)-2], parts[len(parts)-1], nil
	case strings.Contains(cleaned, "@") && strings.Contains(cleaned, ":"):
		// git@github.com:owner/repo
		_, after, found := strings.Cut(cleaned, ":")
		if !found {
			return "", "", fmt.Errorf("unrecognised remote URL %q", remote)
		}
		parts := strings.Split(after, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("unrecognised remote URL %q", remote)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("unrecognised remote URL %q", remote)
	}
}
