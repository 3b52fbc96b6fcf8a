package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

func newProvisionCmd(cfg *config, log *slog.Logger) *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the NATS streams backing a queue or subscription",
		Long: `Create or update the JetStream streams for one queue or one topic subscription,
including its dead-letter stream. Existing streams keep their messages.`,
		Example: `  dlq-purge provision --queue orders
  dlq-purge provision --topic-subscription billing/invoices`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := target.target()
			if err != nil {
				return err
			}
			if t.IsAll() {
				return fmt.Errorf("%w: provision needs --queue or --topic-subscription", models.ErrInvalidTarget)
			}

			b, closeBroker, err := openNATS(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeBroker(); err != nil {
					log.Warn("failed to close broker connection", slog.Any("error", err))
				}
			}()

			if t.Queue != "" {
				if err := b.EnsureQueue(cmd.Context(), t.Queue); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queue %s ready\n", t.Queue)
				return nil
			}

			topic, sub, err := t.SplitTopicSubscription()
			if err != nil {
				return err
			}
			if err := b.EnsureSubscription(cmd.Context(), topic, sub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s/%s ready\n", topic, sub)
			return nil
		},
	}
	target.register(cmd)

	return cmd
}
