package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const dopplerDownloadURL = "https://api.doppler.com/v3/configs/config/secrets/download"

// DopplerFetcher pulls the secrets map from the Doppler download endpoint.
type DopplerFetcher struct {
	token   string
	project string
	env     string
	client  *http.Client
	baseURL string
}

// NewDopplerFetcher builds a fetcher for one project/environment pair.
func NewDopplerFetcher(token, project, env string, timeout time.Duration) *DopplerFetcher {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &DopplerFetcher{
		token:   token,
		project: project,
		env:     env,
		client:  &http.Client{Timeout: timeout},
		baseURL: dopplerDownloadURL,
	}
}

// Fetch downloads the secrets as a flat name/value map.
func (f *DopplerFetcher) Fetch(ctx context.Context) (map[string]string, error) {
	q := url.Values{}
	q.Set("format", "json")
	if f.project != "" {
		q.Set("project", f.project)
	}
	if f.env != "" {
		q.Set("config", f.env)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doppler request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doppler returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var secrets map[string]string
	if err := json.Unmarshal(body, &secrets); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return secrets, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
