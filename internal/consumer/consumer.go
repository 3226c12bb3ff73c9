// Package consumer implements the scrape orchestration state machine.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/metrics"
	"github.com/boardscout/pipeline/internal/scrape"
)

// Config controls orchestrator behavior. The retry ceiling and backoff
// bounds are configuration, not constants: the production values are
// likely placeholders and operators tune them without a deploy.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRateWait    time.Duration
	BatchTimeout   time.Duration
	StorageRetries int
	BlobPrefix     string
}

// Consumer receives work-item batches and drives each message through
// rate limiting, the collaborator call, and persistence. Failures are
// isolated per message; delivery is at-least-once, so every step is
// idempotent or safe to repeat.
type Consumer struct {
	queue    scrape.Consumer
	producer scrape.Producer
	limiter  scrape.RateLimiter
	scraper  scrape.Scraper
	store    scrape.StateStore
	blobs    scrape.BlobStore
	clock    scrape.Clock
	ids      scrape.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Consumer.
func New(
	queue scrape.Consumer,
	producer scrape.Producer,
	limiter scrape.RateLimiter,
	scraper scrape.Scraper,
	store scrape.StateStore,
	blobs scrape.BlobStore,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = time.Hour
	}
	if cfg.MaxRateWait <= 0 {
		cfg.MaxRateWait = 5 * time.Second
	}
	if cfg.StorageRetries <= 0 {
		cfg.StorageRetries = 3
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "payloads"
	}
	if blobs == nil {
		blobs = scrape.NoopBlobStore{}
	}
	return &Consumer{
		queue:    queue,
		producer: producer,
		limiter:  limiter,
		scraper:  scraper,
		store:    store,
		blobs:    blobs,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming batches until the context finishes.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.queue.Receive(ctx, c.cfg.BatchSize, c.ProcessBatch)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("consume: %w", err)
	}
	return nil
}

// ProcessBatch works through one batch sequentially. Messages left
// unprocessed when the batch deadline passes are released for
// redelivery.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []scrape.Message) {
	batchCtx := ctx
	if c.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, c.cfg.BatchTimeout)
		defer cancel()
	}

	for i, msg := range msgs {
		if batchCtx.Err() != nil {
			for _, rest := range msgs[i:] {
				rest.Nack()
			}
			return
		}
		c.processMessage(batchCtx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg scrape.Message) {
	metrics.IncInflight()
	defer metrics.DecInflight()
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic while processing message",
				zap.String("message_id", msg.MessageID), zap.Any("panic", rec))
			msg.Nack()
		}
	}()

	item := msg.Item
	logger := c.logger.With(zap.String("key", item.Key()), zap.String("message_id", msg.MessageID))

	if err := item.Validate(); err != nil {
		logger.Error("invalid work item", zap.Error(err))
		c.deadLetter(ctx, msg, 0, scrape.ReasonInvalidItem, err)
		return
	}

	prev, err := c.fetchState(ctx, item.Key())
	if err != nil {
		logger.Warn("state read failed, releasing message", zap.Error(err))
		msg.Nack()
		return
	}
	if prev.Status == scrape.StatusCompleted {
		// Redelivery of finished work: ack without a collaborator call.
		logger.Debug("item already completed, acknowledging duplicate")
		metrics.ObserveItem(item.Source, scrape.OutcomeSkipped)
		msg.Ack()
		return
	}

	attemptStart := c.clock.Now()
	processing := c.stateFor(item, prev, scrape.StatusProcessing, prev.Attempts, attemptStart)
	if err := c.withStorageRetry(ctx, "mark processing", func() error {
		return c.store.UpsertItemState(ctx, processing)
	}); err != nil {
		logger.Warn("could not mark item processing, releasing message", zap.Error(err))
		msg.Nack()
		return
	}

	if released := c.awaitRateLimit(ctx, msg, logger); released {
		return
	}

	attemptNo := prev.Attempts + 1
	start := c.clock.Now()
	result, err := c.scraper.Scrape(ctx, item)
	duration := c.clock.Now().Sub(start)
	metrics.ObserveScrape(item.Source, duration)

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or batch deadline, not a scrape verdict.
			msg.Nack()
			return
		}
		c.handleFailure(ctx, msg, prev, attemptNo, err, logger)
		return
	}

	c.handleSuccess(ctx, msg, prev, attemptNo, result, start, duration, logger)
}

// awaitRateLimit blocks until the source admits a request. Waits longer
// than the in-batch cap release the message back to the queue without
// marking failure; rate limiting is a scheduling signal, not an error.
func (c *Consumer) awaitRateLimit(ctx context.Context, msg scrape.Message, logger *zap.Logger) (released bool) {
	item := msg.Item
	for {
		decision, err := c.limiter.Acquire(ctx, item.Source, item.Jurisdiction)
		if err != nil {
			logger.Warn("rate limiter error, releasing message", zap.Error(err))
			msg.Nack()
			return true
		}
		if decision.Allowed {
			return false
		}
		if decision.Wait > c.cfg.MaxRateWait {
			logger.Info("rate limit wait exceeds in-batch cap, releasing",
				zap.Duration("wait", decision.Wait),
				zap.Bool("throttled", decision.Throttled),
				zap.String("reason", decision.Reason))
			msg.Nack()
			return true
		}
		metrics.ObserveRateLimitDelay(item.Source, decision.Wait)
		if err := sleepCtx(ctx, decision.Wait); err != nil {
			msg.Nack()
			return true
		}
	}
}

func (c *Consumer) handleSuccess(
	ctx context.Context,
	msg scrape.Message,
	prev scrape.ItemState,
	attemptNo int,
	result scrape.Result,
	start time.Time,
	duration time.Duration,
	logger *zap.Logger,
) {
	item := msg.Item

	blobURI := c.archivePayload(ctx, item, result, start, logger)

	stamped := make([]scrape.Record, 0, len(result.Records))
	for _, rec := range result.Records {
		if rec.Source == "" {
			rec.Source = item.Source
		}
		if rec.ScrapedAt.IsZero() {
			rec.ScrapedAt = start
		}
		stamped = append(stamped, rec)
	}
	if err := c.withStorageRetry(ctx, "upsert records", func() error {
		return c.store.UpsertRecords(ctx, stamped)
	}); err != nil {
		// Results persist before the final state write; releasing here
		// repeats the scrape, and the upsert absorbs the duplicate.
		logger.Warn("record upsert failed, releasing message", zap.Error(err))
		msg.Nack()
		return
	}

	now := c.clock.Now()
	c.appendLog(ctx, scrape.LogEntry{
		Key:         item.Key(),
		Source:      item.Source,
		Attempt:     attemptNo,
		Outcome:     scrape.OutcomeCompleted,
		ResultCount: len(stamped),
		DurationMs:  duration.Milliseconds(),
		BlobURI:     blobURI,
		At:          now,
	}, logger)

	done := c.stateFor(item, prev, scrape.StatusCompleted, attemptNo, now)
	done.ResultCount = len(stamped)
	done.DurationMs = duration.Milliseconds()
	if err := c.withStorageRetry(ctx, "mark completed", func() error {
		return c.store.UpsertItemState(ctx, done)
	}); err != nil {
		// Records are already durable; redelivery re-runs the scrape
		// once more and converges. Worst case is a stuck-in-processing
		// row, which the seeder's freshness sweep recovers.
		logger.Warn("final state write failed, releasing message", zap.Error(err))
		msg.Nack()
		return
	}

	metrics.ObserveItem(item.Source, scrape.OutcomeCompleted)
	metrics.ObserveRecordsUpserted(item.Source, len(stamped))
	logger.Info("work item completed",
		zap.Int("records", len(stamped)),
		zap.Int("attempt", attemptNo),
		zap.Duration("duration", duration),
		zap.String("source_label", result.SourceLabel))
	msg.Ack()
}

func (c *Consumer) handleFailure(
	ctx context.Context,
	msg scrape.Message,
	prev scrape.ItemState,
	attemptNo int,
	scrapeErr error,
	logger *zap.Logger,
) {
	item := msg.Item

	if !scrape.IsRetryable(scrapeErr) {
		logger.Warn("non-retryable collaborator error", zap.Error(scrapeErr))
		c.deadLetter(ctx, msg, attemptNo, scrape.ReasonNonRetryable, scrapeErr)
		return
	}
	if attemptNo > c.cfg.MaxAttempts {
		logger.Warn("retry budget exhausted",
			zap.Int("attempts", attemptNo), zap.Error(scrapeErr))
		c.deadLetter(ctx, msg, attemptNo, scrape.ReasonMaxRetries, scrapeErr)
		return
	}

	delay := c.backoff(attemptNo)
	now := c.clock.Now()
	failed := c.stateFor(item, prev, scrape.StatusFailed, attemptNo, now)
	failed.LastError = scrapeErr.Error()
	if err := c.withStorageRetry(ctx, "mark failed", func() error {
		return c.store.UpsertItemState(ctx, failed)
	}); err != nil {
		logger.Warn("failed-state write failed, releasing message", zap.Error(err))
		msg.Nack()
		return
	}

	c.appendLog(ctx, scrape.LogEntry{
		Key:       item.Key(),
		Source:    item.Source,
		Attempt:   attemptNo,
		Outcome:   scrape.OutcomeRetryable,
		ErrorText: scrapeErr.Error(),
		At:        now,
	}, logger)

	if err := c.producer.PublishDelayed(ctx, item, delay); err != nil {
		// Fall back to queue-level redelivery; the backoff is lost but
		// the attempt counter in the state row still bounds retries.
		logger.Warn("scheduled re-publish failed, nacking instead", zap.Error(err))
		msg.Nack()
		return
	}

	metrics.ObserveItem(item.Source, scrape.OutcomeRetryable)
	logger.Info("retry scheduled",
		zap.Int("attempt", attemptNo), zap.Duration("delay", delay), zap.Error(scrapeErr))
	msg.Ack()
}

func (c *Consumer) deadLetter(
	ctx context.Context,
	msg scrape.Message,
	attemptNo int,
	reason scrape.DeadLetterReason,
	cause error,
) {
	item := msg.Item
	now := c.clock.Now()

	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Error("dead letter id generation failed", zap.Error(err))
		msg.Nack()
		return
	}
	payload, err := json.Marshal(item)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", item))
	}

	retries := attemptNo - 1
	if retries < 0 {
		retries = 0
	}
	entry := scrape.DeadLetterEntry{
		ID:           id,
		Key:          item.Key(),
		CellID:       item.CellID,
		Jurisdiction: item.Jurisdiction,
		Source:       item.Source,
		Category:     item.Category,
		Payload:      payload,
		Reason:       reason,
		LastError:    errText(cause),
		RetryCount:   retries,
		CreatedAt:    now,
	}
	if err := c.withStorageRetry(ctx, "write dead letter", func() error {
		return c.store.WriteDeadLetter(ctx, entry)
	}); err != nil {
		c.logger.Error("dead letter write failed, releasing message",
			zap.String("key", item.Key()), zap.Error(err))
		msg.Nack()
		return
	}

	attempts := attemptNo
	if attempts == 0 {
		attempts = 1
	}
	terminal := scrape.ItemState{
		Key:          item.Key(),
		CellID:       item.CellID,
		Jurisdiction: item.Jurisdiction,
		Source:       item.Source,
		Category:     item.Category,
		Status:       scrape.StatusFailed,
		Attempts:     attempts,
		LastError:    errText(cause),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if prev, err := c.fetchState(ctx, item.Key()); err == nil {
		terminal = c.stateFor(item, prev, scrape.StatusFailed, attempts, now)
		terminal.LastError = errText(cause)
	}
	if err := c.withStorageRetry(ctx, "mark terminal failed", func() error {
		return c.store.UpsertItemState(ctx, terminal)
	}); err != nil {
		c.logger.Warn("terminal state write failed", zap.String("key", item.Key()), zap.Error(err))
	}

	c.appendLog(ctx, scrape.LogEntry{
		Key:       item.Key(),
		Source:    item.Source,
		Attempt:   attempts,
		Outcome:   scrape.OutcomeDeadLettered,
		ErrorText: errText(cause),
		At:        now,
	}, c.logger)

	metrics.ObserveItem(item.Source, scrape.OutcomeDeadLettered)
	metrics.ObserveDeadLetter(item.Source, string(reason))
	c.logger.Warn("work item dead-lettered",
		zap.String("key", item.Key()),
		zap.String("reason", string(reason)),
		zap.Int("retries", retries))
	// Dead-lettered items leave the live queue; they are triaged out of
	// band through the operator API.
	msg.Ack()
}

// archivePayload stores the raw collaborator response. Archive failures
// are logged and tolerated; records are the durable product, the blob is
// forensic material.
func (c *Consumer) archivePayload(
	ctx context.Context,
	item scrape.WorkItem,
	result scrape.Result,
	start time.Time,
	logger *zap.Logger,
) string {
	if len(result.Raw) == 0 {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%d.json", c.cfg.BlobPrefix, item.Key(), start.Unix())
	uri, err := c.blobs.PutObject(ctx, path, "application/json", result.Raw)
	if err != nil {
		logger.Warn("payload archive failed", zap.Error(err))
		return ""
	}
	return uri
}

func (c *Consumer) appendLog(ctx context.Context, entry scrape.LogEntry, logger *zap.Logger) {
	if err := c.withStorageRetry(ctx, "append processing log", func() error {
		return c.store.RecordLog(ctx, entry)
	}); err != nil {
		logger.Warn("processing log write failed", zap.Error(err))
	}
}

func (c *Consumer) fetchState(ctx context.Context, key string) (scrape.ItemState, error) {
	var state scrape.ItemState
	err := c.withStorageRetry(ctx, "read state", func() error {
		found, err := c.store.GetItemState(ctx, key)
		if err != nil {
			if errors.Is(err, scrape.ErrNotFound) {
				return nil
			}
			return err
		}
		state = found
		return nil
	})
	return state, err
}

// stateFor builds the next lifecycle row, carrying identity fields from
// the item and CreatedAt from the previous row when present.
func (c *Consumer) stateFor(
	item scrape.WorkItem,
	prev scrape.ItemState,
	status scrape.ItemStatus,
	attempts int,
	now time.Time,
) scrape.ItemState {
	created := prev.CreatedAt
	if created.IsZero() {
		created = now
	}
	return scrape.ItemState{
		Key:          item.Key(),
		CellID:       item.CellID,
		Jurisdiction: item.Jurisdiction,
		Source:       item.Source,
		Category:     item.Category,
		Status:       status,
		Attempts:     attempts,
		LastError:    prev.LastError,
		ResultCount:  prev.ResultCount,
		DurationMs:   prev.DurationMs,
		CreatedAt:    created,
		UpdatedAt:    now,
	}
}

// backoff returns base * 2^(attempt-1), capped.
func (c *Consumer) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.BackoffCap) {
		delay = float64(c.cfg.BackoffCap)
	}
	return time.Duration(delay)
}

// withStorageRetry retries infrastructure-local writes immediately.
// These retries never count against the scrape attempt budget.
func (c *Consumer) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.StorageRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Debug("storage operation retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := sleepCtx(ctx, time.Duration(attempt)*100*time.Millisecond); sleepErr != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
