package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glassflow/dlq-reconciler/internal/metrics"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

type EntityLocator interface {
	Locate(ctx context.Context, target models.Target) ([]models.Entity, error)
}

type EntityDrainer interface {
	Drain(ctx context.Context, entity models.Entity) models.DrainOutcome
}

// Orchestrator runs one drain per located entity with bounded concurrency and
// collects the results into a RunReport.
type Orchestrator struct {
	locator EntityLocator
	drainer EntityDrainer
	cfg     models.RunConfig
	log     *slog.Logger
	metrics *metrics.Recorder
	runID   string

	mu   sync.Mutex
	live models.RunReport
}

type Option func(*Orchestrator)

func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

// WithRunID fixes the run identifier, which otherwise is a fresh UUID. The
// archiver keys objects by it, so both must agree.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

func New(locator EntityLocator, drainer EntityDrainer, cfg models.RunConfig, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locator: locator,
		drainer: drainer,
		cfg:     cfg,
		log:     log,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	return o
}

func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run never fails as a whole: lookup errors and per-entity fatal errors end
// up in the report, and ctx cancellation yields a partial report with
// Cancelled set.
func (o *Orchestrator) Run(ctx context.Context, target models.Target) models.RunReport {
	o.mu.Lock()
	o.live = models.RunReport{
		RunID:                o.runID,
		DryRun:               o.cfg.DryRun,
		StartedAt:            time.Now().UTC(),
		MaxMessagesPerEntity: o.cfg.MaxMessagesPerEntity,
		Target:               target.String(),
	}
	o.mu.Unlock()

	log := o.log.With(slog.String("run_id", o.runID))
	log.Info("Starting reconciliation run",
		slog.String("target", target.String()),
		slog.Bool("dry_run", o.cfg.DryRun),
		slog.Int("max_messages", o.cfg.MaxMessagesPerEntity),
		slog.Int("concurrency", o.cfg.ConcurrencyLimit))

	entities, err := o.locator.Locate(ctx, target)
	if err != nil {
		o.lookupFailed(log, target, err)
	}

	var work []models.Entity
	for _, e := range entities {
		if e.DeadLetterDepth == 0 {
			o.mu.Lock()
			o.live.EntitiesSkipped = append(o.live.EntitiesSkipped, e)
			o.mu.Unlock()
			continue
		}
		work = append(work, e)
	}

	log.Info("Entities located",
		slog.Int("total", len(entities)),
		slog.Int("to_drain", len(work)),
		slog.Int("empty", len(entities)-len(work)))

	o.drainAll(ctx, log, work)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.live.Cancelled = ctx.Err() != nil
	o.live.FinishedAt = time.Now().UTC()

	totals := o.live.Totals()
	log.Info("Reconciliation run finished",
		slog.Int("entities", totals.Entities),
		slog.Int("inspected", totals.Inspected),
		slog.Int("removed", totals.Removed),
		slog.Int("redriven", totals.Redriven),
		slog.Int("skipped", totals.Skipped),
		slog.Int("errors", totals.Errors),
		slog.Bool("cancelled", o.live.Cancelled),
		slog.Bool("succeeded", o.live.Succeeded()))

	return cloneReport(o.live)
}

func (o *Orchestrator) drainAll(ctx context.Context, log *slog.Logger, entities []models.Entity) {
	outcomes := make([]*models.DrainOutcome, len(entities))

	var g errgroup.Group
	g.SetLimit(max(o.cfg.ConcurrencyLimit, 1))

	for i, entity := range entities {
		if ctx.Err() != nil {
			log.Warn("Run cancelled, not starting remaining entities", slog.Int("remaining", len(entities)-i))
			break
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			if o.metrics != nil {
				o.metrics.EntitiesInFlight.Inc()
				defer o.metrics.EntitiesInFlight.Dec()
			}

			outcome := o.drainer.Drain(ctx, entity)
			if o.metrics != nil {
				o.metrics.ObserveOutcome(outcome, o.cfg.DryRun)
			}

			o.mu.Lock()
			outcomes[i] = &outcome
			o.live.Outcomes = append(o.live.Outcomes, outcome)
			o.mu.Unlock()

			log.Info("Entity done",
				slog.String("entity", entity.Path),
				slog.String("stop_reason", string(outcome.StopReason)),
				slog.Int("removed", outcome.MessagesRemoved),
				slog.Int("redriven", outcome.MessagesRedriven),
				slog.Int("skipped", outcome.MessagesSkipped),
				slog.Int("errors", len(outcome.Errors)))
			return nil
		})
	}

	_ = g.Wait()

	// Report outcomes in locate order rather than completion order.
	o.mu.Lock()
	defer o.mu.Unlock()

	ordered := make([]models.DrainOutcome, 0, len(entities))
	for _, out := range outcomes {
		if out != nil {
			ordered = append(ordered, *out)
		}
	}
	o.live.Outcomes = ordered
}

func (o *Orchestrator) lookupFailed(log *slog.Logger, target models.Target, err error) {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	name := target.Queue
	if name == "" {
		name = target.TopicSubscription
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range errs {
		f := models.NewFailure(name, "", e)
		o.live.LookupFailures = append(o.live.LookupFailures, f)
		if o.metrics != nil {
			o.metrics.ObserveLookupFailure(f)
		}
		if errors.Is(e, models.ErrEntityNotFound) {
			log.Error("Entity not found", slog.String("target", target.String()), slog.Any("error", e))
		} else {
			log.Error("Entity lookup failed", slog.String("target", target.String()), slog.Any("error", e))
		}
	}
}

// Snapshot returns the report as gathered so far. It is safe to call while
// Run is in progress.
func (o *Orchestrator) Snapshot() models.RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	return cloneReport(o.live)
}

func cloneReport(r models.RunReport) models.RunReport {
	r.Outcomes = append([]models.DrainOutcome(nil), r.Outcomes...)
	r.LookupFailures = append([]models.Failure(nil), r.LookupFailures...)
	r.EntitiesSkipped = append([]models.Entity(nil), r.EntitiesSkipped...)
	return r
}
