package store

import (
	"context"
	"fmt"
	"time"
)

// enterDegradedLocked flips the store into memory-only mode and arms the
// first recovery attempt. Callers hold s.mu.
func (s *Store) enterDegradedLocked() {
	s.degraded = true
	s.recoveryAttempts = 0
	s.recoveryExhausted = false

	s.logger.Error("entering degraded mode, writes queue in memory",
		"consecutive_failures", s.consecutiveFailures,
		"path", s.path,
	)
	if s.meter != nil {
		s.meter.SetStoreDegraded(true)
	}

	s.armRecoveryLocked()
}

// armRecoveryLocked schedules the next recovery attempt with exponential
// backoff. Callers hold s.mu.
func (s *Store) armRecoveryLocked() {
	if s.closed {
		return
	}
	if s.recoveryAttempts >= maxRecoveryAttempts {
		s.recoveryExhausted = true
		s.logger.Error("recovery attempts exhausted, store stays degraded",
			"attempts", s.recoveryAttempts,
		)
		return
	}

	delay := recoveryBaseDelay << s.recoveryAttempts
	if delay > recoveryMaxDelay || delay <= 0 {
		delay = recoveryMaxDelay
	}

	s.recoveryTimer = time.AfterFunc(delay, s.attemptRecovery)
	s.logger.Info("recovery attempt scheduled",
		"attempt", s.recoveryAttempts+1,
		"delay", delay,
	)
}

// attemptRecovery re-serializes the full in-memory image to disk in one
// transaction. Success clears the queue and re-enables write-through; failure
// re-arms the timer with a doubled delay. The write mutex is held across the
// flush so no save can slip between the snapshot and the queue reset.
func (s *Store) attemptRecovery() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed || !s.degraded {
		s.mu.Unlock()
		return
	}
	s.recoveryAttempts++
	attempt := s.recoveryAttempts
	flush := s.flushFn

	snapshot := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot = append(snapshot, job.Clone())
	}
	s.mu.Unlock()

	if s.meter != nil {
		s.meter.StoreRecoveryAttempt()
	}

	err := flush(context.Background(), snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("recovery attempt failed",
			"attempt", attempt,
			"error", err,
		)
		s.armRecoveryLocked()
		return
	}

	queued := len(s.writeQueue)
	s.writeQueue = nil
	s.degraded = false
	s.consecutiveFailures = 0
	s.recoveryAttempts = 0
	s.recoveryExhausted = false

	s.logger.Info("store recovered, write-through restored",
		"attempt", attempt,
		"flushed_jobs", len(snapshot),
		"queued_writes", queued,
	)
	if s.meter != nil {
		s.meter.SetStoreDegraded(false)
		s.meter.SetStoreQueuedWrites(0)
	}
}

// flushAll rewrites the jobs table from the given snapshot in a single
// transaction.
func (s *Store) flushAll(ctx context.Context, jobs []*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.execUpsert(ctx, tx, job); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

// HealthStatus is the store section of the health endpoint.
type HealthStatus struct {
	Status              string `json:"status"`
	DBPath              string `json:"dbPath"`
	DBSizeBytes         int64  `json:"dbSizeBytes"`
	QueuedWrites        int    `json:"queuedWrites"`
	QueueStalenessMs    int64  `json:"queueStalenessMs"`
	MemoryPressure      string `json:"memoryPressure"`
	PersistFailureCount int    `json:"persistFailureCount"`
	RecoveryAttempts    int    `json:"recoveryAttempts"`
	Message             string `json:"message,omitempty"`
}

// Health reports the persistence state for the health endpoint.
func (s *Store) Health() HealthStatus {
	size := s.dbSizeBytes()

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{
		Status:              "healthy",
		DBPath:              s.path,
		DBSizeBytes:         size,
		QueuedWrites:        len(s.writeQueue),
		MemoryPressure:      "normal",
		PersistFailureCount: s.persistFailures,
		RecoveryAttempts:    s.recoveryAttempts,
	}

	if !s.initialized {
		h.Status = "not_initialized"
	}

	if len(s.writeQueue) > 0 {
		h.QueueStalenessMs = time.Since(s.writeQueue[0].Timestamp).Milliseconds()
	}

	if size > memoryPressureBytes {
		h.MemoryPressure = "high"
	}

	if s.degraded {
		h.Status = "degraded"
		h.Message = fmt.Sprintf("persistence unavailable, %d writes queued in memory", len(s.writeQueue))
		if s.recoveryExhausted {
			h.Message = fmt.Sprintf("persistence unavailable and recovery exhausted after %d attempts, restart required", maxRecoveryAttempts)
		}
	}

	return h
}

// Degraded reports whether writes are currently queueing in memory.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}
