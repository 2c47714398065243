package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/sidequest/internal/activity"
	"github.com/bargom/sidequest/internal/api"
	"github.com/bargom/sidequest/internal/api/handlers"
	apitesting "github.com/bargom/sidequest/internal/api/testing"
	"github.com/bargom/sidequest/internal/api/types"
	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/bargom/sidequest/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ts       *apitesting.TestServer
	store    *store.Store
	registry *pipeline.Registry
}

func newFixture(t *testing.T, routerCfg api.RouterConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{Path: ":memory:", Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := pipeline.NewRegistry(pipeline.Deps{
		Store:  st,
		Stream: activity.New(0, testLogger(), nil),
		Logger: testLogger(),
	})
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(shutdownCtx)
	})

	h := handlers.New(reg, st, testLogger())
	router := api.NewRouter(h, routerCfg)

	return &fixture{
		ts:       apitesting.NewTestServer(t, router),
		store:    st,
		registry: reg,
	}
}

func seedJobs(t *testing.T, st *store.Store, pipelineID string, n int, status store.JobStatus) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		job := &store.Job{
			ID:         fmt.Sprintf("%s-%s-%d", pipelineID, status, i),
			PipelineID: pipelineID,
			Status:     status,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.Save(context.Background(), job))
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	resp := f.ts.MakeRequest(http.MethodGet, "/health", nil)
	apitesting.AssertStatus(t, resp, http.StatusOK)
	apitesting.AssertContentType(t, resp, "application/json")

	var body types.HealthResponse
	apitesting.AssertJSON(t, resp, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "healthy", body.Store)
}

func TestHealth_UnavailableBeforeStart(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: ":memory:", Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := pipeline.NewRegistry(pipeline.Deps{Store: st, Logger: testLogger()})
	h := handlers.New(reg, st, testLogger())
	ts := apitesting.NewTestServer(t, api.NewRouter(h, api.RouterConfig{}))

	resp := ts.MakeRequest(http.MethodGet, "/health", nil)
	apitesting.AssertStatus(t, resp, http.StatusServiceUnavailable)

	var body types.HealthResponse
	apitesting.AssertJSON(t, resp, &body)
	assert.Equal(t, "unavailable", body.Status)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	seedJobs(t, f.store, pipeline.GitActivity, 2, store.StatusCompleted)
	seedJobs(t, f.store, pipeline.GitActivity, 1, store.StatusFailed)

	resp := f.ts.MakeRequest(http.MethodGet, "/api/status", nil)
	apitesting.AssertStatus(t, resp, http.StatusOK)

	var body types.StatusResponse
	apitesting.AssertJSON(t, resp, &body)

	assert.False(t, body.Timestamp.IsZero())
	require.Len(t, body.Pipelines, 3)

	byID := map[string]types.PipelineStatus{}
	for _, p := range body.Pipelines {
		assert.NotEmpty(t, p.Name)
		assert.Contains(t, []string{"idle", "running"}, p.Status)
		byID[p.ID] = p
	}

	ga, ok := byID[pipeline.GitActivity]
	require.True(t, ok)
	assert.Equal(t, 2, ga.CompletedJobs)
	assert.Equal(t, 1, ga.FailedJobs)

	assert.Equal(t, "healthy", body.Store.Status)
	assert.Zero(t, body.Store.QueuedWrites)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})
	seedJobs(t, f.store, pipeline.DuplicateDetection, 5, store.StatusCompleted)

	t.Run("lists newest first", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodGet, "/api/sidequest/pipeline-runners/duplicate-detection/jobs", nil)
		apitesting.AssertStatus(t, resp, http.StatusOK)

		var body types.JobsResponse
		apitesting.AssertJSON(t, resp, &body)

		require.Len(t, body.Jobs, 5)
		assert.Equal(t, 5, body.Total)
		assert.False(t, body.HasMore)
		for i := 1; i < len(body.Jobs); i++ {
			assert.False(t, body.Jobs[i].CreatedAt.After(body.Jobs[i-1].CreatedAt),
				"jobs must be ordered by createdAt descending")
		}
	})

	t.Run("paginates with hasMore", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodGet, "/api/sidequest/pipeline-runners/duplicate-detection/jobs?limit=2&offset=0&includeTotal=true", nil)
		apitesting.AssertStatus(t, resp, http.StatusOK)

		var body types.JobsResponse
		apitesting.AssertJSON(t, resp, &body)

		assert.Len(t, body.Jobs, 2)
		assert.Equal(t, 5, body.Total)
		assert.True(t, body.HasMore)
	})

	t.Run("filters by status", func(t *testing.T) {
		seedJobs(t, f.store, pipeline.DuplicateDetection, 1, store.StatusFailed)

		resp := f.ts.MakeRequest(http.MethodGet, "/api/sidequest/pipeline-runners/duplicate-detection/jobs?status=failed", nil)
		apitesting.AssertStatus(t, resp, http.StatusOK)

		var body types.JobsResponse
		apitesting.AssertJSON(t, resp, &body)

		require.Len(t, body.Jobs, 1)
		assert.Equal(t, store.StatusFailed, body.Jobs[0].Status)
	})

	t.Run("tab aliases status", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodGet, "/api/sidequest/pipeline-runners/duplicate-detection/jobs?tab=failed", nil)
		apitesting.AssertStatus(t, resp, http.StatusOK)

		var body types.JobsResponse
		apitesting.AssertJSON(t, resp, &body)
		assert.Equal(t, 1, body.Total)
	})

	t.Run("unknown pipeline names the supported set", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodGet, "/api/sidequest/pipeline-runners/nope/jobs", nil)
		apitesting.AssertStatus(t, resp, http.StatusNotFound)

		body := apitesting.AssertError(t, resp, "nope")
		assert.Contains(t, body.Message, "duplicate-detection")
		assert.Contains(t, body.Message, "git-activity")
		assert.Contains(t, body.Message, "gitignore-update")
	})
}

func TestTriggerJob(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	t.Run("creates a queued job", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/sidequest/pipeline-runners/git-activity/trigger",
			types.TriggerRequest{Parameters: json.RawMessage(`{"since":"30d"}`)})
		apitesting.AssertStatus(t, resp, http.StatusCreated)

		var body types.TriggerResponse
		apitesting.AssertJSON(t, resp, &body)

		assert.NotEmpty(t, body.JobID)
		assert.Equal(t, "git-activity", body.PipelineID)
		assert.Equal(t, "queued", body.Status)
		assert.False(t, body.Timestamp.IsZero())

		job, err := f.store.GetByID(context.Background(), body.JobID)
		require.NoError(t, err)
		assert.Equal(t, "git-activity", job.PipelineID)
	})

	t.Run("accepts an empty body", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/sidequest/pipeline-runners/git-activity/trigger", nil)
		apitesting.AssertStatus(t, resp, http.StatusCreated)
	})

	t.Run("rejects unknown pipeline naming the supported set", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/sidequest/pipeline-runners/mystery/trigger", nil)
		apitesting.AssertStatus(t, resp, http.StatusNotFound)

		body := apitesting.AssertError(t, resp, "mystery")
		assert.Contains(t, body.Message, "duplicate-detection")
		assert.Contains(t, body.Message, "git-activity")
		assert.Contains(t, body.Message, "gitignore-update")
	})
}

func TestStartScan(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	t.Run("returns a scan id", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/scans/start",
			types.ScanRequest{RepositoryPath: t.TempDir()})
		apitesting.AssertStatus(t, resp, http.StatusCreated)

		var body types.ScanResponse
		apitesting.AssertJSON(t, resp, &body)

		assert.Regexp(t, regexp.MustCompile(`^scan-\d+-[0-9a-f]{8}$`), body.ScanID)

		job, err := f.store.GetByID(context.Background(), body.ScanID)
		require.NoError(t, err)
		assert.Equal(t, "duplicate-detection", job.PipelineID)
	})

	t.Run("rejects empty repositoryPath", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/scans/start", map[string]string{"repositoryPath": ""})
		apitesting.AssertStatus(t, resp, http.StatusBadRequest)
		apitesting.AssertError(t, resp, "repositoryPath is required")
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/scans/start", nil)
		apitesting.AssertStatus(t, resp, http.StatusBadRequest)
	})
}

func TestImportJobs(t *testing.T) {
	f := newFixture(t, api.RouterConfig{})

	jobs := []*store.Job{
		{ID: "import-1", PipelineID: pipeline.GitActivity, Status: store.StatusCompleted, CreatedAt: time.Now().UTC()},
		{ID: "import-2", PipelineID: pipeline.GitActivity, Status: store.StatusFailed, CreatedAt: time.Now().UTC()},
		{ID: "bad id!", PipelineID: pipeline.GitActivity, Status: store.StatusCompleted, CreatedAt: time.Now().UTC()},
	}

	resp := f.ts.MakeRequest(http.MethodPost, "/api/sidequest/jobs/import", types.ImportRequest{Jobs: jobs})
	apitesting.AssertStatus(t, resp, http.StatusOK)

	var result store.ImportResult
	apitesting.AssertJSON(t, resp, &result)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)

	t.Run("reimport is idempotent", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/sidequest/jobs/import",
			types.ImportRequest{Jobs: jobs[:2]})
		apitesting.AssertStatus(t, resp, http.StatusOK)

		var again store.ImportResult
		apitesting.AssertJSON(t, resp, &again)
		assert.Zero(t, again.Imported)
		assert.Equal(t, 2, again.Skipped)
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		resp := f.ts.MakeRequest(http.MethodPost, "/api/sidequest/jobs/import", types.ImportRequest{})
		apitesting.AssertStatus(t, resp, http.StatusBadRequest)
	})
}
