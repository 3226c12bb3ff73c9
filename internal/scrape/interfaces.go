package scrape

import (
	"context"
	"time"
)

// StateStore persists item lifecycle rows, scraped records, the
// processing log, rate-limit configuration, and dead letters.
type StateStore interface {
	UpsertItemState(ctx context.Context, state ItemState) error
	GetItemState(ctx context.Context, key string) (ItemState, error)
	ListSeededKeys(ctx context.Context, since time.Time) (map[string]ItemStatus, error)

	UpsertRecords(ctx context.Context, records []Record) error

	RecordLog(ctx context.Context, entry LogEntry) error
	RecentLog(ctx context.Context, limit int) ([]LogEntry, error)

	WriteDeadLetter(ctx context.Context, entry DeadLetterEntry) error
	ListDeadLetters(ctx context.Context, onlyUnresolved bool) ([]DeadLetterEntry, error)
	ResolveDeadLetter(ctx context.Context, id string, notes string) error

	GetRateLimit(ctx context.Context, source, scope string) (RateLimitConfig, error)
	ListRateLimits(ctx context.Context) ([]RateLimitConfig, error)
	UpdateRateLimitUsage(ctx context.Context, source, scope string, count int64, windowStart time.Time) error
	SetRateLimitCeiling(ctx context.Context, source, scope string, rps float64) error
	SetThrottle(ctx context.Context, source, scope string, until time.Time, reason string) error
	ClearThrottle(ctx context.Context, source, scope string) error
}

// Producer publishes work items to the queue. PublishDelayed schedules a
// redelivery after the given delay.
type Producer interface {
	Publish(ctx context.Context, item WorkItem) error
	PublishDelayed(ctx context.Context, item WorkItem, delay time.Duration) error
}

// Consumer delivers batches of messages to the handler until the context
// finishes. The handler owns ack/nack per message.
type Consumer interface {
	Receive(ctx context.Context, batchSize int, handler func(context.Context, []Message)) error
}

// RateLimiter is the dual-tier admission check consulted before every
// collaborator call.
type RateLimiter interface {
	Acquire(ctx context.Context, source, scope string) (Decision, error)
}

// Scraper is the call boundary to the external browser-automation
// collaborator.
type Scraper interface {
	Scrape(ctx context.Context, item WorkItem) (Result, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entry IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
