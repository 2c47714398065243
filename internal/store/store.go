// Package store persists jobs to a local SQLite file under WAL and fronts it
// with an in-memory image. Reads of full jobs are served from memory so that
// runtime fields survive degraded periods; aggregate queries go to SQL while
// the disk is healthy.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bargom/sidequest/pkg/metrics"
)

const (
	maxPersistFailures  = 5
	maxWriteQueue       = 10000
	maxRecoveryAttempts = 10
	recoveryBaseDelay   = 5 * time.Second
	recoveryMaxDelay    = 5 * time.Minute
	memoryPressureBytes = 50 * 1024 * 1024

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Options configures a Store.
type Options struct {
	// Path is the database file location; ":memory:" keeps everything in RAM.
	Path string

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

type queuedWrite struct {
	ID        string
	Timestamp time.Time
}

// Store is a concurrent-read, serialized-write table of jobs.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	meter  *metrics.Registry

	// writeMu serializes the full write path (memory update + disk write) so
	// persisted states appear in the same order as memory states.
	writeMu sync.Mutex

	mu   sync.RWMutex
	jobs map[string]*Job

	ready       chan struct{}
	initialized bool
	closed      bool

	degraded            bool
	consecutiveFailures int
	persistFailures     int
	writeQueue          []queuedWrite
	recoveryAttempts    int
	recoveryTimer       *time.Timer
	recoveryExhausted   bool

	// persistence seams, replaced in tests to simulate disk failure
	persistFn func(ctx context.Context, job *Job) error
	flushFn   func(ctx context.Context, jobs []*Job) error
}

// Open opens (creating if needed) the job database, runs migrations, and
// loads the existing rows into memory.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dsn := opts.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// In-memory databases are per-connection; one connection keeps the image
	// stable and serializes writes the same way the file store does.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   opts.Path,
		logger: logger,
		meter:  opts.Metrics,
		jobs:   make(map[string]*Job),
		ready:  make(chan struct{}),
	}
	s.persistFn = s.upsertJob
	s.flushFn = s.flushAll

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.loadJobs(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.initialized = true
	close(s.ready)

	logger.Info("job store ready", "path", opts.Path, "jobs", len(s.jobs))
	return s, nil
}

// Ready is closed once migrations ran and the on-disk jobs are loaded.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Close stops the recovery timer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
	s.mu.Unlock()

	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			data TEXT,
			result TEXT,
			error TEXT,
			git TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_pipeline_id ON jobs(pipeline_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_jobs_pipeline_status ON jobs(pipeline_id, status);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	return nil
}

func (s *Store) loadJobs(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, status, created_at, started_at, completed_at,
			data, result, error, git
		FROM jobs`)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return err
		}
		s.jobs[job.ID] = job
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

func (s *Store) scanJob(rows *sql.Rows) (*Job, error) {
	job := &Job{}
	var createdAt string
	var startedAt, completedAt sql.NullString
	var data, result, errStr, git sql.NullString

	err := rows.Scan(
		&job.ID, &job.PipelineID, &job.Status, &createdAt,
		&startedAt, &completedAt, &data, &result, &errStr, &git,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.CreatedAt = s.parseTimeColumn(job.ID, "created_at", createdAt)
	if startedAt.Valid && startedAt.String != "" {
		t := s.parseTimeColumn(job.ID, "started_at", startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t := s.parseTimeColumn(job.ID, "completed_at", completedAt.String)
		job.CompletedAt = &t
	}

	job.Data = s.parseRaw(job.ID, "data", data)
	job.Result = s.parseRaw(job.ID, "result", result)

	if errStr.Valid && errStr.String != "" {
		var failure JobFailure
		if err := json.Unmarshal([]byte(errStr.String), &failure); err != nil {
			s.logger.Warn("discarding malformed error column", "job_id", job.ID, "error", err)
		} else {
			job.Error = &failure
		}
	}

	if git.Valid && git.String != "" {
		var info GitInfo
		if err := json.Unmarshal([]byte(git.String), &info); err != nil {
			s.logger.Warn("discarding malformed git column", "job_id", job.ID, "error", err)
		} else {
			job.Git = &info
		}
	}

	return job, nil
}

// storedTimeLayout pads nanoseconds so UTC timestamps sort lexicographically
// in SQL the same way they sort chronologically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func (s *Store) parseTimeColumn(jobID, column, v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Warn("discarding malformed timestamp column", "job_id", jobID, "column", column, "value", v)
		return time.Time{}
	}
	return t
}

// parseRaw validates a stored JSON column; malformed historical values become
// nil with a warning instead of poisoning the load.
func (s *Store) parseRaw(jobID, column string, v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	if !json.Valid([]byte(v.String)) {
		s.logger.Warn("discarding malformed JSON column", "job_id", jobID, "column", column)
		return nil
	}
	return json.RawMessage(v.String)
}

// Save upserts a job. An invalid ID or status is a caller bug and returns an
// error; a disk failure is absorbed (the in-memory image is updated) and
// counted toward degraded mode.
func (s *Store) Save(ctx context.Context, job *Job) error {
	if err := ValidateID(job.ID); err != nil {
		return err
	}
	if !job.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, job.Status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	clone := job.Clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("store is closed")
	}
	s.jobs[clone.ID] = clone

	if s.degraded {
		s.appendWriteQueueLocked(clone.ID)
		s.mu.Unlock()
		s.recordWrite("queued")
		return nil
	}
	persist := s.persistFn
	s.mu.Unlock()

	if err := persist(ctx, clone); err != nil {
		s.recordWrite("error")
		s.notePersistFailure(clone.ID, err)
		return nil
	}

	s.recordWrite("ok")
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()

	return nil
}

func (s *Store) notePersistFailure(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFailures++
	s.persistFailures++
	s.appendWriteQueueLocked(id)

	s.logger.Warn("job persist failed",
		"job_id", id,
		"consecutive_failures", s.consecutiveFailures,
		"error", err,
	)

	if s.consecutiveFailures >= maxPersistFailures && !s.degraded {
		s.enterDegradedLocked()
	}
}

func (s *Store) appendWriteQueueLocked(id string) {
	if len(s.writeQueue) >= maxWriteQueue {
		evicted := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.logger.Warn("write queue full, evicting oldest entry", "job_id", evicted.ID)
	}
	s.writeQueue = append(s.writeQueue, queuedWrite{ID: id, Timestamp: time.Now()})

	if s.meter != nil {
		s.meter.SetStoreQueuedWrites(len(s.writeQueue))
	}
}

func (s *Store) recordWrite(status string) {
	if s.meter != nil {
		s.meter.StoreWrite(status)
	}
}

// GetByID returns the job from the in-memory image.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListOptions filters and pages job listings.
type ListOptions struct {
	// Status filters on exact status; Tab is the dashboard alias applied when
	// Status is empty.
	Status string
	Tab    string

	Limit        int
	Offset       int
	IncludeTotal bool
}

func (o ListOptions) status() string {
	if o.Status != "" {
		return o.Status
	}
	return o.Tab
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultListLimit
	case o.Limit > maxListLimit:
		return maxListLimit
	default:
		return o.Limit
	}
}

// List returns jobs for one pipeline ordered by creation time descending,
// plus the unpaged match count.
func (s *Store) List(ctx context.Context, pipelineID string, opts ListOptions) ([]*Job, int, error) {
	return s.listJobs(pipelineID, opts)
}

// ListAll returns jobs across every pipeline.
func (s *Store) ListAll(ctx context.Context, opts ListOptions) ([]*Job, int, error) {
	return s.listJobs("", opts)
}

func (s *Store) listJobs(pipelineID string, opts ListOptions) ([]*Job, int, error) {
	status := opts.status()

	s.mu.RLock()
	matched := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if pipelineID != "" && job.PipelineID != pipelineID {
			continue
		}
		if status != "" && string(job.Status) != status {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)

	offset := opts.Offset
	if offset > total {
		offset = total
	}
	end := offset + opts.limit()
	if end > total {
		end = total
	}

	page := make([]*Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		page = append(page, job.Clone())
	}

	return page, total, nil
}

// Counts tallies jobs per status for one pipeline. The SQL aggregate is used
// while the disk is healthy; degraded mode falls back to the memory image.
func (s *Store) Counts(ctx context.Context, pipelineID string) (map[JobStatus]int, error) {
	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()

	if degraded {
		return s.countsFromMemory(pipelineID), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE pipeline_id = ? GROUP BY status`, pipelineID)
	if err != nil {
		s.logger.Warn("counts query failed, using memory image", "error", err)
		return s.countsFromMemory(pipelineID), nil
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return counts, nil
}

func (s *Store) countsFromMemory(pipelineID string) map[JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[JobStatus]int)
	for _, job := range s.jobs {
		if pipelineID != "" && job.PipelineID != pipelineID {
			continue
		}
		counts[job.Status]++
	}
	return counts
}

// Last returns the most recently created job for a pipeline.
func (s *Store) Last(ctx context.Context, pipelineID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *Job
	for _, job := range s.jobs {
		if job.PipelineID != pipelineID {
			continue
		}
		if last == nil || job.CreatedAt.After(last.CreatedAt) {
			last = job
		}
	}

	if last == nil {
		return nil, ErrJobNotFound
	}
	return last.Clone(), nil
}

// PipelineStat aggregates one pipeline's history.
type PipelineStat struct {
	PipelineID      string     `json:"pipelineId"`
	Total           int        `json:"total"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
}

// PipelineStats returns per-pipeline tallies with the latest completion time.
func (s *Store) PipelineStats(ctx context.Context) ([]PipelineStat, error) {
	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()

	if degraded {
		return s.pipelineStatsFromMemory(), nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pipeline_id,
			COUNT(*),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			MAX(completed_at)
		FROM jobs
		GROUP BY pipeline_id
		ORDER BY pipeline_id`)
	if err != nil {
		s.logger.Warn("pipeline stats query failed, using memory image", "error", err)
		return s.pipelineStatsFromMemory(), nil
	}
	defer rows.Close()

	var stats []PipelineStat
	for rows.Next() {
		var st PipelineStat
		var lastCompleted sql.NullString
		if err := rows.Scan(&st.PipelineID, &st.Total, &st.Completed, &st.Failed, &lastCompleted); err != nil {
			return nil, fmt.Errorf("scan pipeline stats: %w", err)
		}
		if lastCompleted.Valid && lastCompleted.String != "" {
			t := s.parseTimeColumn(st.PipelineID, "completed_at", lastCompleted.String)
			st.LastCompletedAt = &t
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stats, nil
}

func (s *Store) pipelineStatsFromMemory() []PipelineStat {
	s.mu.RLock()
	byPipeline := make(map[string]*PipelineStat)
	for _, job := range s.jobs {
		st, ok := byPipeline[job.PipelineID]
		if !ok {
			st = &PipelineStat{PipelineID: job.PipelineID}
			byPipeline[job.PipelineID] = st
		}
		st.Total++
		switch job.Status {
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
		if job.CompletedAt != nil && (st.LastCompletedAt == nil || job.CompletedAt.After(*st.LastCompletedAt)) {
			st.LastCompletedAt = cloneTime(job.CompletedAt)
		}
	}
	s.mu.RUnlock()

	stats := make([]PipelineStat, 0, len(byPipeline))
	for _, st := range byPipeline {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].PipelineID < stats[j].PipelineID })

	return stats
}

func (s *Store) upsertJob(ctx context.Context, job *Job) error {
	return s.execUpsert(ctx, s.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execUpsert(ctx context.Context, db execer, job *Job) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (
			id, pipeline_id, status, created_at, started_at, completed_at,
			data, result, error, git
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PipelineID, job.Status, formatTime(job.CreatedAt),
		nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
		rawColumn(job.Data), rawColumn(job.Result),
		marshalColumn(job.Error), marshalColumn(job.Git),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func rawColumn(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalColumn(v any) any {
	switch t := v.(type) {
	case *JobFailure:
		if t == nil {
			return nil
		}
	case *GitInfo:
		if t == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}

// ImportResult summarises one bulk import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// BulkImport inserts a batch in a single transaction. Rows failing validation
// are skipped with an error entry; rows whose ID already exists are skipped
// silently, so re-importing a batch is idempotent.
func (s *Store) BulkImport(ctx context.Context, jobs []*Job) (*ImportResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := &ImportResult{Errors: []string{}}

	accepted := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if err := ValidateID(job.ID); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("job %q: %v", job.ID, err))
			continue
		}
		if !job.Status.Valid() {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("job %q: invalid status %q", job.ID, job.Status))
			continue
		}

		s.mu.RLock()
		_, exists := s.jobs[job.ID]
		s.mu.RUnlock()
		if exists {
			result.Skipped++
			continue
		}

		accepted = append(accepted, job.Clone())
	}

	if len(accepted) == 0 {
		return result, nil
	}

	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()

	if !degraded {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin import: %w", err)
		}
		for _, job := range accepted {
			if err := s.execUpsert(ctx, tx, job); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit import: %w", err)
		}
	}

	s.mu.Lock()
	for _, job := range accepted {
		s.jobs[job.ID] = job
		if degraded {
			s.appendWriteQueueLocked(job.ID)
		}
	}
	s.mu.Unlock()

	result.Imported = len(accepted)
	return result, nil
}

// DBPath returns the configured database path.
func (s *Store) DBPath() string {
	return s.path
}

func (s *Store) dbSizeBytes() int64 {
	if s.path == "" || s.path == ":memory:" {
		return 0
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
