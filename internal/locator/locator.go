package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go/v4"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

// Locator resolves a Target into entities annotated with a fresh dead-letter
// depth.
type Locator struct {
	control broker.ControlPlane
	cfg     models.RunConfig
	log     *slog.Logger
}

func New(control broker.ControlPlane, cfg models.RunConfig, log *slog.Logger) *Locator {
	return &Locator{
		control: control,
		cfg:     cfg,
		log:     log,
	}
}

// Locate returns the entities selected by target. Zero-depth entities are
// included.
//
// For a full enumeration a topic whose subscriptions cannot be listed does
// not abort the lookup: the entities found so far are returned together with
// the joined per-topic errors.
func (l *Locator) Locate(ctx context.Context, target models.Target) ([]models.Entity, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	switch {
	case target.Queue != "":
		e, err := l.queue(ctx, target.Queue)
		if err != nil {
			return nil, err
		}
		return []models.Entity{e}, nil

	case target.TopicSubscription != "":
		topic, sub, _ := target.SplitTopicSubscription()
		e, err := l.subscription(ctx, topic, sub)
		if err != nil {
			return nil, err
		}
		return []models.Entity{e}, nil

	default:
		return l.all(ctx)
	}
}

func (l *Locator) queue(ctx context.Context, name string) (models.Entity, error) {
	queues, err := l.listQueues(ctx)
	if err != nil {
		return models.Entity{}, err
	}
	for _, q := range queues {
		if q.Name == name {
			return models.NewQueueEntity(q.Name, q.DeadLetterMessageCount), nil
		}
	}
	return models.Entity{}, fmt.Errorf("queue %q in namespace %q: %w", name, l.cfg.Scope.Namespace, models.ErrEntityNotFound)
}

func (l *Locator) subscription(ctx context.Context, topic, name string) (models.Entity, error) {
	subs, err := l.listSubscriptions(ctx, topic)
	if err != nil {
		if errors.Is(err, models.ErrEntityNotFound) {
			return models.Entity{}, fmt.Errorf("topic %q in namespace %q: %w", topic, l.cfg.Scope.Namespace, models.ErrEntityNotFound)
		}
		return models.Entity{}, err
	}
	for _, s := range subs {
		if s.Name == name {
			return models.NewSubscriptionEntity(topic, s.Name, s.DeadLetterMessageCount), nil
		}
	}
	return models.Entity{}, fmt.Errorf("subscription %q of topic %q: %w", name, topic, models.ErrEntityNotFound)
}

func (l *Locator) all(ctx context.Context) ([]models.Entity, error) {
	queues, err := l.listQueues(ctx)
	if err != nil {
		return nil, err
	}

	var topics []broker.TopicInfo
	err = l.retry(ctx, func() error {
		var err error
		topics, err = l.control.ListTopics(ctx, l.cfg.Scope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	entities := make([]models.Entity, 0, len(queues))
	for _, q := range queues {
		entities = append(entities, models.NewQueueEntity(q.Name, q.DeadLetterMessageCount))
	}

	var errs []error
	for _, t := range topics {
		subs, err := l.listSubscriptions(ctx, t.Name)
		if err != nil {
			l.log.Warn("failed to list subscriptions",
				slog.String("topic", t.Name),
				slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		for _, s := range subs {
			entities = append(entities, models.NewSubscriptionEntity(t.Name, s.Name, s.DeadLetterMessageCount))
		}
	}

	l.log.Info("Located entities",
		slog.Int("queues", len(queues)),
		slog.Int("topics", len(topics)),
		slog.Int("entities", len(entities)))

	return entities, errors.Join(errs...)
}

func (l *Locator) listQueues(ctx context.Context) ([]broker.QueueInfo, error) {
	var queues []broker.QueueInfo
	err := l.retry(ctx, func() error {
		var err error
		queues, err = l.control.ListQueues(ctx, l.cfg.Scope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return queues, nil
}

func (l *Locator) listSubscriptions(ctx context.Context, topic string) ([]broker.SubscriptionInfo, error) {
	var subs []broker.SubscriptionInfo
	err := l.retry(ctx, func() error {
		var err error
		subs, err = l.control.ListSubscriptions(ctx, l.cfg.Scope, topic)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions of %s: %w", topic, err)
	}
	return subs, nil
}

func (l *Locator) retry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(max(l.cfg.RetryAttempts, 1)),
		retry.Delay(l.cfg.RetryDelay),
		retry.MaxDelay(l.cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(models.IsRetryable),
	)
}
