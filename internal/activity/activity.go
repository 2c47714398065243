// Package activity keeps a bounded, newest-first ring of lifecycle events for
// the dashboard and pushes each addition to subscribed broadcasters.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bargom/sidequest/pkg/metrics"
)

// DefaultCapacity bounds the ring when no explicit capacity is given.
const DefaultCapacity = 200

// ErrorInfo is the normalised error payload on failure entries.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Entry is one activity record.
type Entry struct {
	ID          int64      `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Type        string     `json:"type"`
	JobID       string     `json:"jobId,omitempty"`
	Status      string     `json:"status,omitempty"`
	Icon        string     `json:"icon"`
	Message     string     `json:"message"`
	Error       *ErrorInfo `json:"error,omitempty"`
	DurationMs  *int64     `json:"duration,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	MaxAttempts int        `json:"maxAttempts,omitempty"`
}

// Listener receives every added entry.
type Listener func(Entry)

// Stream is the bounded ring plus its fan-out list.
type Stream struct {
	logger *slog.Logger
	meter  *metrics.Registry

	mu       sync.Mutex
	entries  []Entry // newest first
	capacity int
	nextID   int64
	total    int64

	listeners []Listener
}

// New builds a Stream with the given capacity; capacity <= 0 uses the default.
func New(capacity int, logger *slog.Logger, meter *metrics.Registry) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		logger:   logger.With("component", "activity"),
		meter:    meter,
		capacity: capacity,
		nextID:   1,
	}
}

// Add stamps the entry with a monotone id and timestamp, pushes it to the
// front of the ring, and fans it out. A panicking listener is logged and
// skipped; Add itself never fails.
func (s *Stream) Add(entry Entry) Entry {
	s.mu.Lock()
	entry.ID = s.nextID
	s.nextID++
	s.total++
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Icon == "" {
		entry.Icon = IconFor(entry.Type)
	}

	s.entries = append([]Entry{entry}, s.entries...)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[:s.capacity]
	}
	listeners := s.listeners
	s.mu.Unlock()

	if s.meter != nil {
		s.meter.ActivityEvent(entry.Type)
	}

	for _, fn := range listeners {
		s.notify(fn, entry)
	}

	return entry
}

func (s *Stream) notify(fn Listener, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("activity listener panicked",
				"entry_type", entry.Type,
				"panic", r,
			)
		}
	}()
	fn(entry)
}

// Subscribe registers a listener for future entries.
func (s *Stream) Subscribe(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Recent returns up to n entries, newest first. n <= 0 returns the whole ring.
func (s *Stream) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out
}

// Stats summarises the ring.
type Stats struct {
	Total    int64          `json:"total"`
	Size     int            `json:"size"`
	ByType   map[string]int `json:"byType"`
	Newest   *time.Time     `json:"newest,omitempty"`
	Oldest   *time.Time     `json:"oldest,omitempty"`
	LastHour int            `json:"lastHour"`
}

// Stats reports lifetime totals plus per-type counts over the current ring.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Total:  s.total,
		Size:   len(s.entries),
		ByType: make(map[string]int),
	}

	cutoff := time.Now().Add(-time.Hour)
	for _, e := range s.entries {
		st.ByType[e.Type]++
		if e.Timestamp.After(cutoff) {
			st.LastHour++
		}
	}

	if len(s.entries) > 0 {
		newest := s.entries[0].Timestamp
		oldest := s.entries[len(s.entries)-1].Timestamp
		st.Newest = &newest
		st.Oldest = &oldest
	}

	return st
}
