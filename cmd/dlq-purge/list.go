package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/locator"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/internal/report"
)

func newListCmd(cfg *config, log *slog.Logger, scope *scopeFlags) *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show entities and their dead-letter depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, closeBroker, err := connect(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeBroker(); err != nil {
					log.Warn("failed to close broker connection", slog.Any("error", err))
				}
			}()

			return runList(cmd.Context(), b, cfg, *scope, target, log, cmd.OutOrStdout())
		},
	}
	target.register(cmd)

	return cmd
}

// runList prints whatever could be located. Lookup failures are still
// returned after the table is written.
func runList(
	ctx context.Context,
	control broker.ControlPlane,
	cfg *config,
	scope models.Scope,
	flags targetFlags,
	log *slog.Logger,
	out io.Writer,
) error {
	target, err := flags.target()
	if err != nil {
		return err
	}

	runCfg := models.DefaultRunConfig()
	runCfg.Scope = scope
	runCfg.RetryAttempts = cfg.RetryAttempts
	runCfg.RetryDelay = cfg.RetryDelay
	runCfg.RetryMaxDelay = cfg.RetryMaxDelay

	entities, locateErr := locator.New(control, runCfg, log).Locate(ctx, target)
	if err := report.WriteEntities(out, entities); err != nil {
		return err
	}
	return locateErr
}
