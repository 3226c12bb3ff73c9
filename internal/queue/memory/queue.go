// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardscout/pipeline/internal/scrape"
)

// Queue is a bounded in-memory queue with at-least-once semantics:
// nacked messages are redelivered with an incremented delivery attempt,
// and PublishDelayed arms a timer before the message becomes visible.
type Queue struct {
	ch      chan delivery
	nextID  atomic.Int64
	closeMu sync.Mutex
	closed  bool
}

type delivery struct {
	item    scrape.WorkItem
	id      string
	attempt int
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan delivery, capacity)}
}

// Publish makes the item immediately visible.
func (q *Queue) Publish(ctx context.Context, item scrape.WorkItem) error {
	return q.push(ctx, delivery{
		item:    item,
		id:      fmt.Sprintf("mem-%d", q.nextID.Add(1)),
		attempt: 1,
	})
}

// PublishDelayed makes the item visible after the given delay.
func (q *Queue) PublishDelayed(_ context.Context, item scrape.WorkItem, delay time.Duration) error {
	d := delivery{
		item:    item,
		id:      fmt.Sprintf("mem-%d", q.nextID.Add(1)),
		attempt: 1,
	}
	time.AfterFunc(delay, func() {
		_ = q.push(context.Background(), d)
	})
	return nil
}

func (q *Queue) push(ctx context.Context, d delivery) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case q.ch <- d:
		return nil
	}
}

// Receive delivers batches of up to batchSize messages to the handler
// until the context finishes. The first message of a batch is awaited;
// the rest are drained without blocking.
func (q *Queue) Receive(ctx context.Context, batchSize int, handler func(context.Context, []scrape.Message)) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	for {
		var first delivery
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first = <-q.ch:
		}

		batch := []scrape.Message{q.wrap(first)}
	drain:
		for len(batch) < batchSize {
			select {
			case d := <-q.ch:
				batch = append(batch, q.wrap(d))
			default:
				break drain
			}
		}
		handler(ctx, batch)
	}
}

func (q *Queue) wrap(d delivery) scrape.Message {
	nack := func() {
		redelivered := d
		redelivered.attempt++
		// Detached so a nack from inside the handler cannot deadlock on
		// a full channel.
		go func() {
			_ = q.push(context.Background(), redelivered)
		}()
	}
	return scrape.NewMessage(d.item, d.id, d.attempt, func() {}, nack)
}

// Len reports the number of currently visible messages (test helper).
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
