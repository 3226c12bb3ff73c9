// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/boardscout/pipeline/internal/scrape"
)

// StateStore is an in-memory implementation of scrape.StateStore.
type StateStore struct {
	mu          sync.RWMutex
	items       map[string]scrape.ItemState
	records     map[string]scrape.Record
	log         []scrape.LogEntry
	deadLetters map[string]scrape.DeadLetterEntry
	limits      map[string]scrape.RateLimitConfig
}

// NewStateStore constructs a StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		items:       make(map[string]scrape.ItemState),
		records:     make(map[string]scrape.Record),
		deadLetters: make(map[string]scrape.DeadLetterEntry),
		limits:      make(map[string]scrape.RateLimitConfig),
	}
}

// UpsertItemState writes the lifecycle row for an item, preserving the
// original CreatedAt on overwrite.
func (s *StateStore) UpsertItemState(_ context.Context, state scrape.ItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[state.Key]; ok && !existing.CreatedAt.IsZero() {
		state.CreatedAt = existing.CreatedAt
	}
	s.items[state.Key] = state
	return nil
}

// GetItemState fetches the lifecycle row for a key.
func (s *StateStore) GetItemState(_ context.Context, key string) (scrape.ItemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[key]
	if !ok {
		return scrape.ItemState{}, scrape.ErrNotFound
	}
	return state, nil
}

// ListSeededKeys returns keys whose state is completed or processing and
// was updated at or after the given time.
func (s *StateStore) ListSeededKeys(_ context.Context, since time.Time) (map[string]scrape.ItemStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]scrape.ItemStatus)
	for key, state := range s.items {
		if state.Status != scrape.StatusCompleted && state.Status != scrape.StatusProcessing {
			continue
		}
		if state.UpdatedAt.Before(since) {
			continue
		}
		out[key] = state.Status
	}
	return out, nil
}

// UpsertRecords merges the batch into the record table by (source,
// native id). Mutable fields are last-write-wins; identity fields are
// never blanked by an empty incoming value.
func (s *StateStore) UpsertRecords(_ context.Context, records []scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		key := rec.Source + "|" + rec.NativeID
		if existing, ok := s.records[key]; ok {
			rec = mergeRecord(existing, rec)
		}
		s.records[key] = rec
	}
	return nil
}

func mergeRecord(existing, incoming scrape.Record) scrape.Record {
	out := incoming
	if out.Name == "" {
		out.Name = existing.Name
	}
	if out.Category == "" {
		out.Category = existing.Category
	}
	if out.LicenseNumber == "" {
		out.LicenseNumber = existing.LicenseNumber
	}
	if out.IssuedAt == nil {
		out.IssuedAt = existing.IssuedAt
	}
	return out
}

// GetRecord fetches a stored record (test helper).
func (s *StateStore) GetRecord(source, nativeID string) (scrape.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[source+"|"+nativeID]
	return rec, ok
}

// RecordCount returns the number of stored records (test helper).
func (s *StateStore) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// RecordLog appends a processing-log row.
func (s *StateStore) RecordLog(_ context.Context, entry scrape.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entry)
	return nil
}

// RecentLog returns up to limit entries, newest first.
func (s *StateStore) RecentLog(_ context.Context, limit int) ([]scrape.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]scrape.LogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.log[i])
	}
	return out, nil
}

// WriteDeadLetter stores a terminal-failure entry.
func (s *StateStore) WriteDeadLetter(_ context.Context, entry scrape.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[entry.ID] = entry
	return nil
}

// ListDeadLetters returns dead letters, optionally only unresolved ones.
func (s *StateStore) ListDeadLetters(_ context.Context, onlyUnresolved bool) ([]scrape.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.DeadLetterEntry, 0, len(s.deadLetters))
	for _, entry := range s.deadLetters {
		if onlyUnresolved && entry.Resolved {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// ResolveDeadLetter marks an entry resolved with notes.
func (s *StateStore) ResolveDeadLetter(_ context.Context, id string, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return scrape.ErrNotFound
	}
	now := time.Now().UTC()
	entry.Resolved = true
	entry.ResolutionNotes = notes
	entry.ResolvedAt = &now
	s.deadLetters[id] = entry
	return nil
}

// GetRateLimit fetches the durable row for (source, scope).
func (s *StateStore) GetRateLimit(_ context.Context, source, scope string) (scrape.RateLimitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.limits[source+"|"+scope]
	if !ok {
		return scrape.RateLimitConfig{}, scrape.ErrNotFound
	}
	return row, nil
}

// ListRateLimits returns all durable rate-limit rows.
func (s *StateStore) ListRateLimits(_ context.Context) ([]scrape.RateLimitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.RateLimitConfig, 0, len(s.limits))
	for _, row := range s.limits {
		out = append(out, row)
	}
	return out, nil
}

// UpdateRateLimitUsage records the current window counter, creating the
// row if the source has never been configured.
func (s *StateStore) UpdateRateLimitUsage(_ context.Context, source, scope string, count int64, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := source + "|" + scope
	row := s.limits[key]
	row.Source = source
	row.Scope = scope
	row.WindowCount = count
	row.WindowStart = windowStart
	row.UpdatedAt = time.Now().UTC()
	s.limits[key] = row
	return nil
}

// SetRateLimitCeiling sets the requests-per-second ceiling.
func (s *StateStore) SetRateLimitCeiling(_ context.Context, source, scope string, rps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := source + "|" + scope
	row := s.limits[key]
	row.Source = source
	row.Scope = scope
	row.RequestsPerSecond = rps
	row.UpdatedAt = time.Now().UTC()
	s.limits[key] = row
	return nil
}

// SetThrottle arms a hard throttle until the given time.
func (s *StateStore) SetThrottle(_ context.Context, source, scope string, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := source + "|" + scope
	row := s.limits[key]
	row.Source = source
	row.Scope = scope
	row.Throttled = true
	row.ThrottledUntil = until
	row.ThrottleReason = reason
	row.UpdatedAt = time.Now().UTC()
	s.limits[key] = row
	return nil
}

// ClearThrottle lifts a hard throttle.
func (s *StateStore) ClearThrottle(_ context.Context, source, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := source + "|" + scope
	row, ok := s.limits[key]
	if !ok {
		return scrape.ErrNotFound
	}
	row.Throttled = false
	row.ThrottledUntil = time.Time{}
	row.ThrottleReason = ""
	row.UpdatedAt = time.Now().UTC()
	s.limits[key] = row
	return nil
}
