// Package pubsub implements the work-item queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/scrape"
)

const notBeforeAttr = "not_before"

// Config identifies the topic and subscription.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// Queue is a Pub/Sub-backed producer and consumer. Delivery is
// at-least-once; delayed redelivery is a re-publish carrying a
// not-before attribute that the consumer nacks until due.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// New creates a Pub/Sub client and verifies the topic exists. It
// authenticates using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	q := &Queue{client: client, topic: topic, logger: logger}
	if cfg.SubscriptionID != "" {
		q.sub = client.Subscription(cfg.SubscriptionID)
	}
	return q, nil
}

// Publish sends a work item to the topic and waits for the server ack.
func (q *Queue) Publish(ctx context.Context, item scrape.WorkItem) error {
	return q.publish(ctx, item, time.Time{})
}

// PublishDelayed re-publishes a work item that must not be processed
// before now+delay.
func (q *Queue) PublishDelayed(ctx context.Context, item scrape.WorkItem, delay time.Duration) error {
	return q.publish(ctx, item, time.Now().UTC().Add(delay))
}

func (q *Queue) publish(ctx context.Context, item scrape.WorkItem, notBefore time.Time) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	attrs := map[string]string{
		"source":       item.Source,
		"jurisdiction": item.Jurisdiction,
	}
	if !notBefore.IsZero() {
		attrs[notBeforeAttr] = notBefore.Format(time.RFC3339)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish work item %q: %w", item.Key(), err)
	}
	return nil
}

// Receive pulls messages and hands them to the handler in batches of
// one. Pub/Sub fans deliveries out over its own callback pool;
// MaxOutstandingMessages bounds the fan-out to the configured batch
// size. Messages that are not yet due are nacked for later redelivery.
func (q *Queue) Receive(ctx context.Context, batchSize int, handler func(context.Context, []scrape.Message)) error {
	if q.sub == nil {
		return fmt.Errorf("queue.subscription_id is required to consume")
	}
	if batchSize > 0 {
		q.sub.ReceiveSettings.MaxOutstandingMessages = batchSize
	}
	err := q.sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
		if due, wait := dueAt(m); !due {
			q.logger.Debug("message not yet due, releasing",
				zap.String("message_id", m.ID), zap.Duration("remaining", wait))
			m.Nack()
			return
		}

		var item scrape.WorkItem
		if err := json.Unmarshal(m.Data, &item); err != nil {
			// A payload that cannot parse will never parse; drop it.
			q.logger.Error("malformed queue message, dropping",
				zap.String("message_id", m.ID), zap.Error(err))
			m.Ack()
			return
		}

		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		handler(msgCtx, []scrape.Message{
			scrape.NewMessage(item, m.ID, attempt, m.Ack, m.Nack),
		})
	})
	if err != nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

func dueAt(m *pubsub.Message) (bool, time.Duration) {
	raw, ok := m.Attributes[notBeforeAttr]
	if !ok {
		return true, 0
	}
	notBefore, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, 0
	}
	remaining := time.Until(notBefore)
	return remaining <= 0, remaining
}

// Close stops the publisher and closes the client connection.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
