// Package scrape defines core types shared across the pipeline.
package scrape

import (
	"fmt"
	"time"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Item status values persisted in the state store.
const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// WorkItem is one schedulable unit of scraping work: a geographic cell
// crossed with a licensing category and a data source. Immutable once
// enqueued.
type WorkItem struct {
	CellID       string    `json:"cell_id"`
	Jurisdiction string    `json:"jurisdiction"`
	Source       string    `json:"source"`
	Category     string    `json:"category"`
	Priority     int       `json:"priority"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// Key returns the canonical natural key for the item.
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", w.Jurisdiction, w.CellID, w.Source, w.Category)
}

// Validate checks that all identity fields are present.
func (w WorkItem) Validate() error {
	switch {
	case w.Jurisdiction == "":
		return fmt.Errorf("work item missing jurisdiction")
	case w.CellID == "":
		return fmt.Errorf("work item missing cell_id")
	case w.Source == "":
		return fmt.Errorf("work item missing source")
	case w.Category == "":
		return fmt.Errorf("work item missing category")
	default:
		return nil
	}
}

// Message is the wire envelope for a WorkItem plus delivery metadata.
// Ack and Nack are attached by the queue implementation; delivery is
// at-least-once, so every handler must be idempotent.
type Message struct {
	Item            WorkItem
	MessageID       string
	DeliveryAttempt int
	NotBefore       time.Time

	ack  func()
	nack func()
}

// NewMessage builds a Message with the given ack/nack callbacks.
func NewMessage(item WorkItem, id string, attempt int, ack, nack func()) Message {
	return Message{Item: item, MessageID: id, DeliveryAttempt: attempt, ack: ack, nack: nack}
}

// Ack removes the message from the live queue.
func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Nack releases the message back to the queue for redelivery.
func (m Message) Nack() {
	if m.nack != nil {
		m.nack()
	}
}

// ItemState is the persistent per-item lifecycle record. Rows are never
// deleted; they are the audit trail and the seeder's dedup source.
type ItemState struct {
	Key          string     `json:"key"`
	CellID       string     `json:"cell_id"`
	Jurisdiction string     `json:"jurisdiction"`
	Source       string     `json:"source"`
	Category     string     `json:"category"`
	Status       ItemStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	ResultCount  int        `json:"result_count"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RateLimitConfig is the durable per-(source, scope) rate-limit record.
// The throttle fields are the authoritative override tier; the window
// counters are advisory copies of the fast tier for operator visibility.
type RateLimitConfig struct {
	Source            string    `json:"source"`
	Scope             string    `json:"scope"`
	RequestsPerSecond float64   `json:"requests_per_second"`
	WindowCount       int64     `json:"window_count"`
	WindowStart       time.Time `json:"window_start"`
	Throttled         bool      `json:"throttled"`
	ThrottledUntil    time.Time `json:"throttled_until,omitempty"`
	ThrottleReason    string    `json:"throttle_reason,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Record is one professional/license record returned by the collaborator,
// keyed by (Source, NativeID). Mutable contact fields are refreshed on
// upsert; identity fields are never overwritten with empty values.
type Record struct {
	Source        string     `json:"source"`
	NativeID      string     `json:"native_id"`
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	Status        string     `json:"status"`
	City          string     `json:"city"`
	Region        string     `json:"region"`
	Phone         string     `json:"phone,omitempty"`
	Email         string     `json:"email,omitempty"`
	LicenseNumber string     `json:"license_number,omitempty"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ScrapedAt     time.Time  `json:"scraped_at"`
}

// DeadLetterReason classifies why an item was dead-lettered.
type DeadLetterReason string

// Dead letter reasons.
const (
	ReasonMaxRetries   DeadLetterReason = "max_retries_exceeded"
	ReasonNonRetryable DeadLetterReason = "non_retryable"
	ReasonInvalidItem  DeadLetterReason = "invalid_item"
)

// DeadLetterEntry is a terminal-failure record awaiting manual triage.
// Created only when the retry budget is exhausted or the collaborator
// signals a non-retryable condition; mutated only by manual resolution.
type DeadLetterEntry struct {
	ID              string           `json:"id"`
	Key             string           `json:"key"`
	CellID          string           `json:"cell_id"`
	Jurisdiction    string           `json:"jurisdiction"`
	Source          string           `json:"source"`
	Category        string           `json:"category"`
	Payload         []byte           `json:"payload"`
	Reason          DeadLetterReason `json:"reason"`
	LastError       string           `json:"last_error"`
	RetryCount      int              `json:"retry_count"`
	Resolved        bool             `json:"resolved"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// LogEntry is one row of the processing audit log, written once per
// attempt outcome.
type LogEntry struct {
	Key         string    `json:"key"`
	Source      string    `json:"source"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	ErrorText   string    `json:"error_text,omitempty"`
	ResultCount int       `json:"result_count"`
	DurationMs  int64     `json:"duration_ms"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	At          time.Time `json:"at"`
}

// Log outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetryable    = "retryable_failure"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeSkipped      = "skipped_duplicate"
)

// Result is the collaborator's successful response for one work item.
type Result struct {
	Records     []Record
	SourceLabel string
	Raw         []byte
}

// Decision is the rate limiter's answer for one acquire attempt.
type Decision struct {
	Allowed   bool
	Wait      time.Duration
	Throttled bool
	Reason    string
}
