package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/glassflow/dlq-reconciler/internal/archive"
	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/drainer"
	"github.com/glassflow/dlq-reconciler/internal/locator"
	"github.com/glassflow/dlq-reconciler/internal/metrics"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/internal/orchestrator"
	"github.com/glassflow/dlq-reconciler/internal/policy"
	"github.com/glassflow/dlq-reconciler/internal/report"
	"github.com/glassflow/dlq-reconciler/internal/server"
	"github.com/glassflow/dlq-reconciler/internal/simulator"
)

type purgeOptions struct {
	targetFlags

	maxMessages int
	dryRun      bool
	concurrency int
	reportJSON  string
	policy      policy.Config
}

func newPurgeCmd(cfg *config, log *slog.Logger, scope *scopeFlags) *cobra.Command {
	var opts purgeOptions

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drain dead-letter sub-queues",
		Long: `Drain the dead-letter sub-queue of one queue, one topic subscription, or every
entity in the namespace. Each message is discarded, redriven to its source or left
in place according to the selected policy, up to --max-messages per entity.`,
		Example: `  # Remove up to 1000 dead-lettered messages from every entity
  dlq-purge purge --namespace prod-bus

  # Preview what would happen to one queue
  dlq-purge purge --queue orders --max-messages 50 --dry-run

  # Redrive transient failures that have been delivered fewer than 5 times
  dlq-purge purge --topic-subscription billing/invoices \
    --policy delivery-ceiling --max-deliveries 5 --transient-reason ServerBusy`,
		Args: cobra.NoArgs,
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

			rep, err := runPurge(cmd.Context(), b, cfg, *scope, opts, log, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !rep.Succeeded() {
				return errRunFailed
			}
			return nil
		},
	}

	opts.register(cmd)
	cmd.Flags().IntVar(&opts.maxMessages, "max-messages", models.DefaultMaxMessagesPerEntity, "maximum messages inspected per entity")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "decide and report without changing broker state")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", models.DefaultConcurrencyLimit, "entities drained in parallel")
	cmd.Flags().StringVar(&opts.reportJSON, "report-json", "", "also write the run report as JSON to this file")
	cmd.Flags().StringVar(&opts.policy.Kind, "policy", policy.KindDiscardAll,
		fmt.Sprintf("disposition policy: %s, %s or %s", policy.KindDiscardAll, policy.KindDeliveryCeiling, policy.KindExpression))
	cmd.Flags().IntVar(&opts.policy.MaxDeliveries, "max-deliveries", 5, "delivery-ceiling: redrive only below this delivery count")
	cmd.Flags().StringSliceVar(&opts.policy.TransientReasons, "transient-reason", nil, "delivery-ceiling: dead-letter reasons worth redriving")
	cmd.Flags().StringVar(&opts.policy.Expression, "expression", "", `expression: program returning "discard", "redrive" or "skip"`)

	return cmd
}

func (o purgeOptions) runConfig(cfg *config, scope models.Scope) models.RunConfig {
	return models.RunConfig{
		Scope:                scope,
		MaxMessagesPerEntity: o.maxMessages,
		ConcurrencyLimit:     o.concurrency,
		DryRun:               o.dryRun,
		ReceiveBatchSize:     cfg.ReceiveBatchSize,
		ReceiveWait:          cfg.ReceiveWait,
		RetryAttempts:        cfg.RetryAttempts,
		RetryDelay:           cfg.RetryDelay,
		RetryMaxDelay:        cfg.RetryMaxDelay,
	}
}

// runPurge wires one reconciliation run against b, prints the summary to out
// and returns the report. An error means the run could not start or its
// artifacts could not be written.
func runPurge(
	ctx context.Context,
	b broker.Broker,
	cfg *config,
	scope models.Scope,
	opts purgeOptions,
	log *slog.Logger,
	out io.Writer,
) (models.RunReport, error) {
	runCfg := opts.runConfig(cfg, scope)
	if err := runCfg.Validate(); err != nil {
		return models.RunReport{}, err
	}

	target, err := opts.target()
	if err != nil {
		return models.RunReport{}, err
	}

	pol, err := policy.New(opts.policy, time.Now())
	if err != nil {
		return models.RunReport{}, err
	}

	rec := metrics.NewRecorder()
	orchOpts := []orchestrator.Option{orchestrator.WithMetrics(rec)}

	var plane broker.DataPlane = b
	if runCfg.DryRun {
		plane = simulator.Wrap(b, log)
	}

	// Archived objects are keyed by the run ID, so it is fixed up front.
	runID := uuid.NewString()
	orchOpts = append(orchOpts, orchestrator.WithRunID(runID))

	var drainOpts []drainer.Option
	if cfg.ArchiveURL != "" && !runCfg.DryRun {
		arch, err := archive.Open(ctx, cfg.ArchiveURL, runID)
		if err != nil {
			return models.RunReport{}, err
		}
		defer func() {
			if err := arch.Close(); err != nil {
				log.Warn("failed to close archive", slog.Any("error", err))
			}
		}()
		drainOpts = append(drainOpts, drainer.WithArchiver(arch))
	}

	d := drainer.New(plane, pol, drainer.ConfigFromRun(runCfg), log, drainOpts...)
	orch := orchestrator.New(locator.New(b, runCfg, log), d, runCfg, log, orchOpts...)

	if cfg.ListenAddr != "" {
		srv := server.NewHTTPServer(cfg.ListenAddr, cfg.ServerTimeout, orch, rec.Handler(), log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("status server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
				log.Warn("failed to stop status server", slog.Any("error", err))
			}
		}()
	}

	log.Info("Using disposition policy", slog.String("policy", pol.Name()))
	rep := orch.Run(ctx, target)

	if err := report.WriteSummary(out, rep); err != nil {
		return rep, err
	}
	if opts.reportJSON != "" {
		if err := report.WriteJSON(opts.reportJSON, rep); err != nil {
			return rep, err
		}
	}
	if cfg.MetricsTextfile != "" {
		if err := rec.WriteTextfile(cfg.MetricsTextfile); err != nil {
			return rep, err
		}
	}

	return rep, nil
}
