// Package events provides the in-process publish/subscribe bus and the
// trace context records that ride along worker message envelopes.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/stillframe/shoebox/pkg/observability"
)

// Topics published by the core pipeline.
const (
	// TopicThumbnailGenerated fires after a thumbnail artifact lands on disk.
	TopicThumbnailGenerated = "thumbnail-generated"

	// TopicHLSGenerated fires after an HLS playlist finishes transcoding.
	TopicHLSGenerated = "hls-generated"

	// TopicIndexProgress carries indexer walk and reconcile progress.
	TopicIndexProgress = "index-progress"

	// TopicConnected greets new SSE clients with their client id.
	TopicConnected = "connected"
)

// maxHandlerFailures is the consecutive-failure count after which a
// subscriber is dropped from its topic.
const maxHandlerFailures = 3

// Handler receives a published payload. Returning an error counts against
// the subscription's consecutive-failure budget.
type Handler func(ctx context.Context, payload any) error

// SubscriptionID identifies one subscription for later removal.
type SubscriptionID string

type subscription struct {
	id       SubscriptionID
	topic    string
	handler  Handler
	failures int
}

// Bus is a synchronous, topic-keyed publish/subscribe hub. Publish invokes
// handlers in subscription order on the caller's goroutine; a handler that
// errors or panics repeatedly is removed.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription

	logger  *slog.Logger
	metrics *observability.CoreMetrics
}

// NewBus creates a Bus. metrics may be nil when publish counting is not
// wanted (tests, CLI mode).
func NewBus(logger *slog.Logger, metrics *observability.CoreMetrics) *Bus {
	return &Bus{
		topics:  make(map[string][]*subscription),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a handler for a topic and returns its subscription id.
func (b *Bus) Subscribe(topic string, handler Handler) SubscriptionID {
	sub := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.topics[topic] = append(b.topics[topic], sub)

	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		for i, sub := range subs {
			if sub.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)

				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of topic, synchronously and
// in subscription order. Handler errors are logged, never returned; a
// subscriber failing maxHandlerFailures times in a row is dropped.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventPublished(ctx, topic)
	}

	for _, sub := range subs {
		err := b.invoke(ctx, sub, payload)
		if err == nil {
			b.resetFailures(sub)

			continue
		}

		b.logger.WarnContext(ctx, "event handler failed",
			slog.String("topic", topic),
			slog.String("subscription", string(sub.id)),
			slog.Any("error", err),
		)

		if b.recordFailure(sub) >= maxHandlerFailures {
			b.Unsubscribe(sub.id)
			b.logger.WarnContext(ctx, "event handler removed after repeated failures",
				slog.String("topic", topic),
				slog.String("subscription", string(sub.id)),
			)
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.topics[topic])
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return sub.handler(ctx, payload)
}

func (b *Bus) recordFailure(sub *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.failures++

	return sub.failures
}

func (b *Bus) resetFailures(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.failures = 0
}
