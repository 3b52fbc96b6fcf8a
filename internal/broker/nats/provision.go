package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// Redriven messages are deduplicated by message ID within this window.
const redriveDedupWindow = 2 * time.Minute

// EnsureQueue creates or updates the stream of queue name and its
// dead-letter stream.
func (b *Broker) EnsureQueue(ctx context.Context, name string) error {
	if err := b.ensureStream(ctx, name, name, kindQueue); err != nil {
		return err
	}
	return b.ensureStream(ctx, DLQStreamName(name), DLQSubject(name), kindDeadLetter)
}

// EnsureSubscription creates or updates the topic stream, a durable
// consumer standing for the subscription and the subscription's dead-letter
// stream.
func (b *Broker) EnsureSubscription(ctx context.Context, topic, subscription string) error {
	if err := b.ensureStream(ctx, topic, topic, kindTopic); err != nil {
		return err
	}

	//nolint:exhaustruct // optional config
	_, err := b.js.CreateOrUpdateConsumer(ctx, topic, jetstream.ConsumerConfig{
		Name:      subscription,
		Durable:   subscription,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("create subscription %s on %s: %w", subscription, topic, mapError("create consumer", err))
	}

	path := models.SubscriptionPath(topic, subscription)
	return b.ensureStream(ctx, DLQStreamName(path), DLQSubject(path), kindDeadLetter)
}

func (b *Broker) ensureStream(ctx context.Context, name, subject, kind string) error {
	//nolint:exhaustruct // optional config
	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   b.storage,
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		Metadata:  map[string]string{KindMetadataKey: kind},
	}

	switch kind {
	case kindDeadLetter:
		// Acking a message through the purge consumer deletes it.
		cfg.Retention = jetstream.WorkQueuePolicy
	default:
		cfg.Duplicates = redriveDedupWindow
	}

	if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", name, mapError("create stream", err))
	}

	b.log.Debug("Stream ready", slog.String("stream", name), slog.String("subject", subject), slog.String("kind", kind))
	return nil
}
