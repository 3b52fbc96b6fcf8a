package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	natsbroker "github.com/glassflow/dlq-reconciler/internal/broker/nats"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

type scopeFlags = models.Scope

type targetFlags struct {
	queue             string
	topicSubscription string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.queue, "queue", "", "only this queue")
	cmd.Flags().StringVar(&f.topicSubscription, "topic-subscription", "", `only this subscription, as "topic/subscription"`)
	cmd.MarkFlagsMutuallyExclusive("queue", "topic-subscription")
}

func (f *targetFlags) target() (models.Target, error) {
	t := models.Target{Queue: f.queue, TopicSubscription: f.topicSubscription}
	if err := t.Validate(); err != nil {
		return models.Target{}, err
	}
	return t, nil
}

// connector opens the broker for a command. Tests swap it for an in-memory
// broker.
type connector func(ctx context.Context, cfg *config, log *slog.Logger) (broker.Broker, func() error, error)

//nolint:gochecknoglobals // replaced in tests
var connect connector = connectNATS

func connectNATS(ctx context.Context, cfg *config, log *slog.Logger) (broker.Broker, func() error, error) {
	b, closer, err := openNATS(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return b, closer, nil
}

func openNATS(ctx context.Context, cfg *config, log *slog.Logger) (*natsbroker.Broker, func() error, error) {
	conn, err := natsbroker.Connect(ctx, cfg.NATSURL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect broker: %w", err)
	}

	b := natsbroker.New(conn.JetStream(), log, natsbroker.WithLockDuration(cfg.LockDuration))
	return b, conn.Close, nil
}
