// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boardscout/pipeline/internal/scrape"
)

// StateStoreConfig controls the Postgres connection pool.
type StateStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// StateStore implements scrape.StateStore on Postgres.
type StateStore struct {
	pool querier
}

// NewStateStore creates a Postgres-backed StateStore using the provided
// config.
func NewStateStore(ctx context.Context, cfg StateStoreConfig) (*StateStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StateStore{pool: pool}, nil
}

// NewStateStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewStateStoreWithPool(pool querier) (*StateStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StateStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertItemState writes the lifecycle row for an item. created_at is
// set on first insert only; every later write is a status transition.
func (s *StateStore) UpsertItemState(ctx context.Context, state scrape.ItemState) error {
	query := `
INSERT INTO queue_items (
	key, cell_id, jurisdiction, source, category,
	status, attempts, last_error, result_count, duration_ms,
	created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (key) DO UPDATE SET
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	last_error = EXCLUDED.last_error,
	result_count = EXCLUDED.result_count,
	duration_ms = EXCLUDED.duration_ms,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query,
		state.Key,
		state.CellID,
		state.Jurisdiction,
		state.Source,
		state.Category,
		state.Status,
		state.Attempts,
		state.LastError,
		state.ResultCount,
		state.DurationMs,
		state.CreatedAt,
		state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert item state: %w", err)
	}
	return nil
}

// GetItemState fetches the lifecycle row for a key.
func (s *StateStore) GetItemState(ctx context.Context, key string) (scrape.ItemState, error) {
	query := `
SELECT key, cell_id, jurisdiction, source, category,
	status, attempts, last_error, result_count, duration_ms,
	created_at, updated_at
FROM queue_items WHERE key = $1`
	var state scrape.ItemState
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&state.Key,
		&state.CellID,
		&state.Jurisdiction,
		&state.Source,
		&state.Category,
		&state.Status,
		&state.Attempts,
		&state.LastError,
		&state.ResultCount,
		&state.DurationMs,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.ItemState{}, scrape.ErrNotFound
		}
		return scrape.ItemState{}, fmt.Errorf("get item state: %w", err)
	}
	return state, nil
}

// ListSeededKeys returns keys in completed or processing status updated
// at or after the given time. The seeder uses this to exclude fresh work.
func (s *StateStore) ListSeededKeys(ctx context.Context, since time.Time) (map[string]scrape.ItemStatus, error) {
	query := `
SELECT key, status FROM queue_items
WHERE status IN ('completed','processing') AND updated_at >= $1`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list seeded keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]scrape.ItemStatus)
	for rows.Next() {
		var key string
		var status scrape.ItemStatus
		if err := rows.Scan(&key, &status); err != nil {
			return nil, fmt.Errorf("scan seeded key: %w", err)
		}
		out[key] = status
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seeded keys: %w", err)
	}
	return out, nil
}

const upsertRecordSQL = `
INSERT INTO licenses (
	source, native_id, name, category, status, city, region,
	phone, email, license_number, issued_at, expires_at, scraped_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (source, native_id) DO UPDATE SET
	name = COALESCE(NULLIF(EXCLUDED.name, ''), licenses.name),
	category = COALESCE(NULLIF(EXCLUDED.category, ''), licenses.category),
	status = EXCLUDED.status,
	city = EXCLUDED.city,
	region = EXCLUDED.region,
	phone = EXCLUDED.phone,
	email = EXCLUDED.email,
	license_number = COALESCE(NULLIF(EXCLUDED.license_number, ''), licenses.license_number),
	issued_at = COALESCE(EXCLUDED.issued_at, licenses.issued_at),
	expires_at = EXCLUDED.expires_at,
	scraped_at = EXCLUDED.scraped_at`

// UpsertRecords writes the batch in one round trip. The upsert is keyed
// on (source, native_id); redelivered work rewrites the same rows, which
// keeps the consumer idempotent under at-least-once delivery.
func (s *StateStore) UpsertRecords(ctx context.Context, records []scrape.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.Source == "" || rec.NativeID == "" {
			return fmt.Errorf("record missing source or native id")
		}
		batch.Queue(upsertRecordSQL,
			rec.Source,
			rec.NativeID,
			rec.Name,
			rec.Category,
			rec.Status,
			rec.City,
			rec.Region,
			rec.Phone,
			rec.Email,
			rec.LicenseNumber,
			rec.IssuedAt,
			rec.ExpiresAt,
			rec.ScrapedAt,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert record batch: %w", err)
		}
	}
	return nil
}

// RecordLog appends a processing-log row.
func (s *StateStore) RecordLog(ctx context.Context, entry scrape.LogEntry) error {
	query := `
INSERT INTO processing_log (
	key, source, attempt, outcome, error_text, result_count,
	duration_ms, blob_uri, at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := s.pool.Exec(ctx, query,
		entry.Key,
		entry.Source,
		entry.Attempt,
		entry.Outcome,
		entry.ErrorText,
		entry.ResultCount,
		entry.DurationMs,
		entry.BlobURI,
		entry.At,
	); err != nil {
		return fmt.Errorf("record log entry: %w", err)
	}
	return nil
}

// RecentLog returns up to limit log entries, newest first.
func (s *StateStore) RecentLog(ctx context.Context, limit int) ([]scrape.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT key, source, attempt, outcome, error_text, result_count,
	duration_ms, blob_uri, at
FROM processing_log ORDER BY at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recent log: %w", err)
	}
	defer rows.Close()

	var out []scrape.LogEntry
	for rows.Next() {
		var entry scrape.LogEntry
		if err := rows.Scan(
			&entry.Key,
			&entry.Source,
			&entry.Attempt,
			&entry.Outcome,
			&entry.ErrorText,
			&entry.ResultCount,
			&entry.DurationMs,
			&entry.BlobURI,
			&entry.At,
		); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

// WriteDeadLetter stores a terminal-failure entry.
func (s *StateStore) WriteDeadLetter(ctx context.Context, entry scrape.DeadLetterEntry) error {
	query := `
INSERT INTO dead_letters (
	id, key, cell_id, jurisdiction, source, category,
	payload, reason, last_error, retry_count, resolved, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	if _, err := s.pool.Exec(ctx, query,
		entry.ID,
		entry.Key,
		entry.CellID,
		entry.Jurisdiction,
		entry.Source,
		entry.Category,
		entry.Payload,
		entry.Reason,
		entry.LastError,
		entry.RetryCount,
		entry.Resolved,
		entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters, optionally only unresolved ones.
func (s *StateStore) ListDeadLetters(ctx context.Context, onlyUnresolved bool) ([]scrape.DeadLetterEntry, error) {
	query := `
SELECT id, key, cell_id, jurisdiction, source, category,
	payload, reason, last_error, retry_count, resolved,
	resolution_notes, created_at, resolved_at
FROM dead_letters
WHERE ($1 = false OR resolved = false)
ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, onlyUnresolved)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []scrape.DeadLetterEntry
	for rows.Next() {
		var entry scrape.DeadLetterEntry
		var notes *string
		if err := rows.Scan(
			&entry.ID,
			&entry.Key,
			&entry.CellID,
			&entry.Jurisdiction,
			&entry.Source,
			&entry.Category,
			&entry.Payload,
			&entry.Reason,
			&entry.LastError,
			&entry.RetryCount,
			&entry.Resolved,
			&notes,
			&entry.CreatedAt,
			&entry.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if notes != nil {
			entry.ResolutionNotes = *notes
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// ResolveDeadLetter marks an entry resolved with notes.
func (s *StateStore) ResolveDeadLetter(ctx context.Context, id string, notes string) error {
	query := `
UPDATE dead_letters
SET resolved = true, resolution_notes = $2, resolved_at = now()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, notes)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrNotFound
	}
	return nil
}

// GetRateLimit fetches the durable row for (source, scope).
func (s *StateStore) GetRateLimit(ctx context.Context, source, scope string) (scrape.RateLimitConfig, error) {
	query := `
SELECT source, scope, requests_per_second, window_count, window_start,
	throttled, throttled_until, throttle_reason, updated_at
FROM rate_limits WHERE source = $1 AND scope = $2`
	row, err := scanRateLimit(s.pool.QueryRow(ctx, query, source, scope))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.RateLimitConfig{}, scrape.ErrNotFound
		}
		return scrape.RateLimitConfig{}, fmt.Errorf("get rate limit: %w", err)
	}
	return row, nil
}

// ListRateLimits returns all durable rate-limit rows.
func (s *StateStore) ListRateLimits(ctx context.Context) ([]scrape.RateLimitConfig, error) {
	query := `
SELECT source, scope, requests_per_second, window_count, window_start,
	throttled, throttled_until, throttle_reason, updated_at
FROM rate_limits ORDER BY source, scope`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close()

	var out []scrape.RateLimitConfig
	for rows.Next() {
		row, err := scanRateLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate limits: %w", err)
	}
	return out, nil
}

func scanRateLimit(row pgx.Row) (scrape.RateLimitConfig, error) {
	var cfg scrape.RateLimitConfig
	var until *time.Time
	var reason *string
	if err := row.Scan(
		&cfg.Source,
		&cfg.Scope,
		&cfg.RequestsPerSecond,
		&cfg.WindowCount,
		&cfg.WindowStart,
		&cfg.Throttled,
		&until,
		&reason,
		&cfg.UpdatedAt,
	); err != nil {
		return scrape.RateLimitConfig{}, err
	}
	if until != nil {
		cfg.ThrottledUntil = *until
	}
	if reason != nil {
		cfg.ThrottleReason = *reason
	}
	return cfg, nil
}

// UpdateRateLimitUsage records the current window counter for operator
// visibility. Last write wins; the fast tier remains the actual gate.
func (s *StateStore) UpdateRateLimitUsage(ctx context.Context, source, scope string, count int64, windowStart time.Time) error {
	query := `
INSERT INTO rate_limits (source, scope, requests_per_second, window_count, window_start, updated_at)
VALUES ($1, $2, 0, $3, $4, now())
ON CONFLICT (source, scope) DO UPDATE SET
	window_count = EXCLUDED.window_count,
	window_start = EXCLUDED.window_start,
	updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, source, scope, count, windowStart); err != nil {
		return fmt.Errorf("update rate limit usage: %w", err)
	}
	return nil
}

// SetRateLimitCeiling sets the requests-per-second ceiling.
func (s *StateStore) SetRateLimitCeiling(ctx context.Context, source, scope string, rps float64) error {
	query := `
INSERT INTO rate_limits (source, scope, requests_per_second, window_count, window_start, updated_at)
VALUES ($1, $2, $3, 0, now(), now())
ON CONFLICT (source, scope) DO UPDATE SET
	requests_per_second = EXCLUDED.requests_per_second,
	updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, source, scope, rps); err != nil {
		return fmt.Errorf("set rate limit ceiling: %w", err)
	}
	return nil
}

// SetThrottle arms a hard throttle until the given time.
func (s *StateStore) SetThrottle(ctx context.Context, source, scope string, until time.Time, reason string) error {
	query := `
INSERT INTO rate_limits (source, scope, requests_per_second, window_count, window_start, throttled, throttled_until, throttle_reason, updated_at)
VALUES ($1, $2, 0, 0, now(), true, $3, $4, now())
ON CONFLICT (source, scope) DO UPDATE SET
	throttled = true,
	throttled_until = EXCLUDED.throttled_until,
	throttle_reason = EXCLUDED.throttle_reason,
	updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, source, scope, until, reason); err != nil {
		return fmt.Errorf("set throttle: %w", err)
	}
	return nil
}

// ClearThrottle lifts a hard throttle.
func (s *StateStore) ClearThrottle(ctx context.Context, source, scope string) error {
	query := `
UPDATE rate_limits
SET throttled = false, throttled_until = NULL, throttle_reason = NULL, updated_at = now()
WHERE source = $1 AND scope = $2`
	tag, err := s.pool.Exec(ctx, query, source, scope)
	if err != nil {
		return fmt.Errorf("clear throttle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrNotFound
	}
	return nil
}
