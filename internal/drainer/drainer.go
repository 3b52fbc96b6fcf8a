package drainer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/glassflow/dlq-reconciler/internal/archive"
	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/internal/policy"
)

// settleTimeout bounds a disposition that has to finish after the run was
// cancelled.
const settleTimeout = 30 * time.Second

type Config struct {
	MaxMessages   int
	BatchSize     int
	ReceiveWait   time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

func ConfigFromRun(cfg models.RunConfig) Config {
	return Config{
		MaxMessages:   cfg.MaxMessagesPerEntity,
		BatchSize:     cfg.ReceiveBatchSize,
		ReceiveWait:   cfg.ReceiveWait,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}
}

// Drainer empties the dead-letter sub-queue of one entity at a time. It is
// safe to share between goroutines as long as the data plane, policy and
// archiver are.
type Drainer struct {
	plane    broker.DataPlane
	policy   policy.Policy
	archiver archive.Archiver
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Drainer)

// WithArchiver copies every discarded message to a before it is completed.
func WithArchiver(a archive.Archiver) Option {
	return func(d *Drainer) {
		d.archiver = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Drainer) {
		d.now = now
	}
}

func New(plane broker.DataPlane, pol policy.Policy, cfg Config, log *slog.Logger, opts ...Option) *Drainer {
	d := &Drainer{
		plane:  plane,
		policy: pol,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// drain is the mutable state of one Drain call.
type drain struct {
	entity  models.Entity
	outcome models.DrainOutcome
	seen    map[uint64]struct{}
	log     *slog.Logger
}

func (s *drain) fail(msg models.DeadLetterMessage, err error) {
	s.outcome.Errors = append(s.outcome.Errors, models.NewFailure(s.entity.Path, msg.MessageID, err))
	s.log.Warn("message disposition failed",
		slog.String("message_id", msg.MessageID),
		slog.Any("error", err))
}

// resolveFailed records a complete or abandon failure. One that is still
// transient after every retry is fatal for the entity and is returned.
func (s *drain) resolveFailed(msg models.DeadLetterMessage, err error) error {
	if !models.IsRetryable(err) {
		s.fail(msg, err)
		return nil
	}
	err = fmt.Errorf("%w: %w", models.ErrFatalBroker, err)
	s.fail(msg, err)
	return err
}

// Drain receives and settles messages from the entity's dead-letter
// sub-queue until the budget is spent, the sub-queue is observed empty, the
// broker fails for good, or ctx is cancelled. It never returns an
// error; every failure is recorded in the outcome.
func (d *Drainer) Drain(ctx context.Context, entity models.Entity) models.DrainOutcome {
	start := time.Now()
	s := &drain{
		entity:  entity,
		outcome: models.DrainOutcome{Entity: entity},
		seen:    make(map[uint64]struct{}),
		log:     d.log.With(slog.String("entity", entity.Path)),
	}

	s.log.Info("Draining dead-letter queue",
		slog.Int64("depth", entity.DeadLetterDepth),
		slog.Int("max_messages", d.cfg.MaxMessages))

	s.outcome.StopReason = d.loop(ctx, s)
	s.outcome.Fatal = s.outcome.StopReason == models.StopFatal
	s.outcome.Duration = models.Duration(time.Since(start))

	s.log.Info("Drain finished",
		slog.String("stop_reason", string(s.outcome.StopReason)),
		slog.Int("inspected", s.outcome.MessagesInspected),
		slog.Int("removed", s.outcome.MessagesRemoved),
		slog.Int("redriven", s.outcome.MessagesRedriven),
		slog.Int("skipped", s.outcome.MessagesSkipped),
		slog.Int("errors", len(s.outcome.Errors)))

	return s.outcome
}

func (d *Drainer) loop(ctx context.Context, s *drain) models.StopReason {
	address := s.entity.DeadLetterAddress()

	for {
		remaining := d.cfg.MaxMessages - s.outcome.MessagesInspected
		if remaining <= 0 {
			return models.StopBudgetExhausted
		}
		if ctx.Err() != nil {
			return models.StopCancelled
		}

		batchSize := min(d.cfg.BatchSize, remaining)
		msgs, err := d.receive(ctx, address, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return models.StopCancelled
			}
			err = fmt.Errorf("%w: receive from %s: %w", models.ErrFatalBroker, address, err)
			s.outcome.Errors = append(s.outcome.Errors, models.NewFailure(s.entity.Path, "", err))
			s.log.Error("Receive failed, giving up on entity", slog.Any("error", err))
			return models.StopFatal
		}
		if len(msgs) == 0 {
			return models.StopDrained
		}
		if len(msgs) > batchSize {
			d.release(ctx, s, msgs[batchSize:])
			msgs = msgs[:batchSize]
		}

		for i, msg := range msgs {
			if _, dup := s.seen[msg.SequenceNumber]; dup && msg.SequenceNumber != 0 {
				s.log.Info("Dead-letter queue cycled back to already triaged messages",
					slog.Uint64("sequence_number", msg.SequenceNumber))
				d.release(ctx, s, msgs[i:])
				return models.StopCycled
			}
			if ctx.Err() != nil {
				d.release(ctx, s, msgs[i:])
				return models.StopCancelled
			}
			s.seen[msg.SequenceNumber] = struct{}{}

			if err := d.settle(ctx, s, msg); err != nil {
				s.log.Error("Settle failed, giving up on entity", slog.Any("error", err))
				d.release(ctx, s, msgs[i+1:])
				return models.StopFatal
			}
		}
	}
}

func (d *Drainer) receive(ctx context.Context, address string, max int) ([]models.DeadLetterMessage, error) {
	var msgs []models.DeadLetterMessage
	err := d.retry(ctx, func() error {
		var err error
		msgs, err = d.plane.Receive(ctx, address, max, d.cfg.ReceiveWait)
		return err
	})
	return msgs, err
}

// settle applies the policy verdict to one message. Once started it runs to
// completion even if ctx is cancelled, so no message is left half resolved.
// A non-nil error means the broker keeps failing and the drain must stop.
func (d *Drainer) settle(ctx context.Context, s *drain, msg models.DeadLetterMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	s.outcome.MessagesInspected++

	if msg.LockExpired(d.now()) {
		s.fail(msg, fmt.Errorf("message %s: %w before disposition", msg.MessageID, models.ErrLockExpired))
		return nil
	}

	verdict := d.policy.Decide(msg)
	s.log.Debug("Disposition decided",
		slog.String("message_id", msg.MessageID),
		slog.String("reason", msg.DeadLetterReason),
		slog.Int("delivery_count", msg.DeliveryCount),
		slog.String("disposition", verdict.String()))

	switch verdict {
	case models.DispositionDiscard:
		if d.archiver != nil {
			if err := d.archiver.Archive(ctx, s.entity, msg); err != nil {
				s.fail(msg, err)
				return d.abandon(ctx, s, msg)
			}
		}
		if err := d.resolve(ctx, msg, d.plane.Complete); err != nil {
			return s.resolveFailed(msg, fmt.Errorf("complete message %s: %w", msg.MessageID, err))
		}
		s.outcome.MessagesRemoved++

	case models.DispositionRedrive:
		target := s.entity.MainAddress()
		err := d.retry(ctx, func() error {
			return d.plane.Send(ctx, target, msg)
		})
		if err != nil {
			s.fail(msg, fmt.Errorf("%w: message %s to %s: %w", models.ErrRedriveSend, msg.MessageID, target, err))
			return d.abandon(ctx, s, msg)
		}
		if err := d.resolve(ctx, msg, d.plane.Complete); err != nil {
			// The copy is already on the main queue; the dead-letter original
			// stays behind, so the worst case is a duplicate.
			return s.resolveFailed(msg, fmt.Errorf("complete redriven message %s: %w", msg.MessageID, err))
		}
		s.outcome.MessagesRedriven++

	default:
		if err := d.resolve(ctx, msg, d.plane.Abandon); err != nil {
			return s.resolveFailed(msg, fmt.Errorf("abandon skipped message %s: %w", msg.MessageID, err))
		}
		s.outcome.MessagesSkipped++
	}
	return nil
}

// resolve calls complete or abandon with retries, refusing to touch a lock
// that is already known to be expired.
func (d *Drainer) resolve(ctx context.Context, msg models.DeadLetterMessage, call func(context.Context, models.DeadLetterMessage) error) error {
	return d.retry(ctx, func() error {
		if msg.LockExpired(d.now()) {
			return models.ErrLockExpired
		}
		return call(ctx, msg)
	})
}

func (d *Drainer) abandon(ctx context.Context, s *drain, msg models.DeadLetterMessage) error {
	if err := d.resolve(ctx, msg, d.plane.Abandon); err != nil {
		return s.resolveFailed(msg, fmt.Errorf("abandon message %s: %w", msg.MessageID, err))
	}
	return nil
}

// release hands back messages that were received but will not be
// processed. They are not counted as inspected, but a failed hand-back is
// still recorded.
func (d *Drainer) release(ctx context.Context, s *drain, msgs []models.DeadLetterMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	for _, msg := range msgs {
		if err := d.resolve(ctx, msg, d.plane.Abandon); err != nil {
			s.fail(msg, fmt.Errorf("release unprocessed message %s: %w", msg.MessageID, err))
		}
	}
}

func (d *Drainer) retry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(max(d.cfg.RetryAttempts, 1)),
		retry.Delay(d.cfg.RetryDelay),
		retry.MaxDelay(d.cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(models.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			d.log.Debug("Retrying broker call", slog.Uint64("attempt", uint64(n+1)), slog.Any("error", err))
		}),
	)
}
