package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cucumber/godog"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/drainer"
	"github.com/glassflow/dlq-reconciler/internal/locator"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/internal/orchestrator"
	"github.com/glassflow/dlq-reconciler/internal/policy"
	"github.com/glassflow/dlq-reconciler/internal/simulator"
	"github.com/glassflow/dlq-reconciler/tests/testutils"
)

const (
	defaultDeliveries = 10
	settleTimeout     = 2 * time.Second
)

// ReconcileTestSuite seeds a broker, runs the reconciler against it and
// checks the report and the broker state afterwards.
type ReconcileTestSuite struct {
	name    string
	start   func() (backend, error)
	backend backend
	log     *slog.Logger

	policy policy.Config
	report models.RunReport
}

func NewMemoryTestSuite() *ReconcileTestSuite {
	return &ReconcileTestSuite{
		name: "memory",
		start: func() (backend, error) {
			return newMemoryBackend(), nil
		},
		log: testutils.NewTestLogger(),
	}
}

func NewNATSTestSuite() *ReconcileTestSuite {
	log := testutils.NewTestLogger()
	return &ReconcileTestSuite{
		name: "nats",
		start: func() (backend, error) {
			return startNATSBackend(log)
		},
		log: log,
	}
}

func (s *ReconcileTestSuite) SetupResources() error {
	b, err := s.start()
	if err != nil {
		return fmt.Errorf("start %s broker: %w", s.name, err)
	}
	s.backend = b
	return nil
}

func (s *ReconcileTestSuite) CleanupResources() error {
	if c, ok := s.backend.(interface{ Close() }); ok {
		c.Close()
	}
	s.backend = nil
	return nil
}

func (s *ReconcileTestSuite) reset() error {
	s.policy = policy.Config{}
	s.report = models.RunReport{}
	return s.backend.Reset()
}

func (s *ReconcileTestSuite) aQueueWithMessages(name string, n int) error {
	return s.aQueueWithReasonedMessages(name, n, "Poison", defaultDeliveries)
}

func (s *ReconcileTestSuite) aQueueWithReasonedMessages(name string, n int, reason string, deliveries int) error {
	if err := s.backend.AddQueue(name); err != nil {
		return fmt.Errorf("add queue %s: %w", name, err)
	}
	return s.backend.DeadLetter(name, n, deliveries, reason)
}

func (s *ReconcileTestSuite) queuesWithMessagesEach(count, n int) error {
	for i := 1; i <= count; i++ {
		if err := s.aQueueWithMessages(fmt.Sprintf("q%02d", i), n); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReconcileTestSuite) aSubscriptionWithMessages(subscription, topic string, n int) error {
	return s.aSubscriptionWithReasonedMessages(subscription, topic, n, "Poison", defaultDeliveries)
}

func (s *ReconcileTestSuite) aSubscriptionWithReasonedMessages(subscription, topic string, n int, reason string, deliveries int) error {
	if err := s.backend.AddSubscription(topic, subscription); err != nil {
		return fmt.Errorf("add subscription %s/%s: %w", topic, subscription, err)
	}
	return s.backend.DeadLetter(models.SubscriptionPath(topic, subscription), n, deliveries, reason)
}

func (s *ReconcileTestSuite) thePolicyRedrivesBelow(reason string, maxDeliveries int) error {
	s.policy = policy.Config{
		Kind:             policy.KindDeliveryCeiling,
		MaxDeliveries:    maxDeliveries,
		TransientReasons: []string{reason},
	}
	return nil
}

func (s *ReconcileTestSuite) thePolicyExpression(doc *godog.DocString) error {
	s.policy = policy.Config{Kind: policy.KindExpression, Expression: doc.Content}
	return nil
}

func (s *ReconcileTestSuite) sendsToFail(address string) error {
	return s.backend.FailSends(address)
}

func (s *ReconcileTestSuite) receivesFromFailFatally(path string) error {
	return s.backend.FailReceives(path)
}

func (s *ReconcileTestSuite) run(target models.Target, maxMessages, concurrency int, dryRun bool) error {
	cfg := models.DefaultRunConfig()
	cfg.MaxMessagesPerEntity = maxMessages
	cfg.ConcurrencyLimit = concurrency
	cfg.DryRun = dryRun
	cfg.ReceiveWait = 200 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		return err
	}

	pol, err := policy.New(s.policy, time.Now())
	if err != nil {
		return err
	}

	b := s.backend.Broker()
	var plane broker.DataPlane = b
	if dryRun {
		plane = simulator.Wrap(b, s.log)
	}

	orch := orchestrator.New(
		locator.New(b, cfg, s.log),
		drainer.New(plane, pol, drainer.ConfigFromRun(cfg), s.log),
		cfg,
		s.log,
	)
	s.report = orch.Run(context.Background(), target)
	return nil
}

func (s *ReconcileTestSuite) iPurgeQueue(name string, maxMessages int) error {
	return s.run(models.Target{Queue: name}, maxMessages, 1, false)
}

func (s *ReconcileTestSuite) iPurgeSubscription(path string, maxMessages int) error {
	return s.run(models.Target{TopicSubscription: path}, maxMessages, 1, false)
}

func (s *ReconcileTestSuite) iPurgeAll(maxMessages, concurrency int) error {
	return s.run(models.Target{}, maxMessages, concurrency, false)
}

func (s *ReconcileTestSuite) iDryRunQueue(name string, maxMessages int) error {
	return s.run(models.Target{Queue: name}, maxMessages, 1, true)
}

func (s *ReconcileTestSuite) theRunSucceeds() error {
	if !s.report.Succeeded() {
		return fmt.Errorf("expected run to succeed, lookup failures %v, outcomes %+v", s.report.LookupFailures, s.report.Outcomes)
	}
	return nil
}

func (s *ReconcileTestSuite) theRunFails() error {
	if s.report.ExitCode() == 0 {
		return fmt.Errorf("expected a non-zero exit code")
	}
	return nil
}

func (s *ReconcileTestSuite) aLookupFailureIsReported(category string) error {
	for _, f := range s.report.LookupFailures {
		if string(f.Category) == category {
			return nil
		}
	}
	return fmt.Errorf("no %s lookup failure in %+v", category, s.report.LookupFailures)
}

func (s *ReconcileTestSuite) outcome(path string) (models.DrainOutcome, error) {
	o, ok := s.report.Outcome(path)
	if !ok {
		return models.DrainOutcome{}, fmt.Errorf("no outcome for %s", path)
	}
	return o, nil
}

func (s *ReconcileTestSuite) theOutcomeShows(path string, inspected, removed, redriven, skipped int) error {
	o, err := s.outcome(path)
	if err != nil {
		return err
	}
	got := [4]int{o.MessagesInspected, o.MessagesRemoved, o.MessagesRedriven, o.MessagesSkipped}
	want := [4]int{inspected, removed, redriven, skipped}
	if got != want {
		return fmt.Errorf("%s: expected inspected/removed/redriven/skipped %v, got %v", path, want, got)
	}
	return nil
}

func (s *ReconcileTestSuite) theOutcomeStoppedWith(path, reason string) error {
	o, err := s.outcome(path)
	if err != nil {
		return err
	}
	if string(o.StopReason) != reason {
		return fmt.Errorf("%s: expected stop reason %s, got %s", path, reason, o.StopReason)
	}
	return nil
}

func (s *ReconcileTestSuite) theOutcomeHasErrors(path string, n int, category string) error {
	o, err := s.outcome(path)
	if err != nil {
		return err
	}
	got := 0
	for _, f := range o.Errors {
		if string(f.Category) == category {
			got++
		}
	}
	if got != n {
		return fmt.Errorf("%s: expected %d %s errors, got %d in %+v", path, n, category, got, o.Errors)
	}
	return nil
}

func (s *ReconcileTestSuite) wasNotDrained(path string) error {
	if _, ok := s.report.Outcome(path); ok {
		return fmt.Errorf("%s was drained", path)
	}
	for _, e := range s.report.EntitiesSkipped {
		if e.Path == path {
			return nil
		}
	}
	return fmt.Errorf("%s is not among the skipped entities", path)
}

func (s *ReconcileTestSuite) messagesInTotal(n int, field string) error {
	t := s.report.Totals()
	got := map[string]int{
		"inspected": t.Inspected,
		"removed":   t.Removed,
		"redriven":  t.Redriven,
		"skipped":   t.Skipped,
	}[field]
	if got != n {
		return fmt.Errorf("expected %d %s in total, got %d", n, field, got)
	}
	return nil
}

func (s *ReconcileTestSuite) atMostEntitiesAtOnce(n int) error {
	peak, err := s.backend.PeakInFlight()
	if err != nil {
		return err
	}
	if peak > n {
		return fmt.Errorf("expected at most %d concurrent drains, observed %d", n, peak)
	}
	return nil
}

func (s *ReconcileTestSuite) depthIs(address string, n int) error {
	var last int
	err := testutils.WaitFor(settleTimeout, 20*time.Millisecond, func() (bool, error) {
		depth, err := s.backend.Depth(address)
		if err != nil {
			return false, err
		}
		last = depth
		return depth == n, nil
	})
	if err != nil {
		return fmt.Errorf("depth of %s: expected %d, got %d: %w", address, n, last, err)
	}
	return nil
}

func (s *ReconcileTestSuite) theDeadLetterDepthIs(path string, n int) error {
	return s.depthIs(path+models.DeadLetterSuffix, n)
}

func (s *ReconcileTestSuite) RegisterSteps(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, s.reset()
	})

	sc.Step(`^a queue "([^"]*)" with (\d+) dead-lettered messages$`, s.aQueueWithMessages)
	sc.Step(`^a queue "([^"]*)" with (\d+) dead-lettered messages with reason "([^"]*)" delivered (\d+) times$`,
		s.aQueueWithReasonedMessages)
	sc.Step(`^(\d+) queues with (\d+) dead-lettered messages each$`, s.queuesWithMessagesEach)
	sc.Step(`^a subscription "([^"]*)" on topic "([^"]*)" with (\d+) dead-lettered messages$`, s.aSubscriptionWithMessages)
	sc.Step(`^a subscription "([^"]*)" on topic "([^"]*)" with (\d+) dead-lettered messages with reason "([^"]*)" delivered (\d+) times$`,
		s.aSubscriptionWithReasonedMessages)
	sc.Step(`^the policy redrives "([^"]*)" below (\d+) deliveries$`, s.thePolicyRedrivesBelow)
	sc.Step(`^the policy expression:$`, s.thePolicyExpression)
	sc.Step(`^sends to "([^"]*)" fail$`, s.sendsToFail)
	sc.Step(`^receives from "([^"]*)" fail fatally$`, s.receivesFromFailFatally)

	sc.Step(`^I purge queue "([^"]*)" with max (\d+) messages$`, s.iPurgeQueue)
	sc.Step(`^I purge subscription "([^"]*)" with max (\d+) messages$`, s.iPurgeSubscription)
	sc.Step(`^I purge all entities with max (\d+) messages and concurrency (\d+)$`, s.iPurgeAll)
	sc.Step(`^I dry-run a purge of queue "([^"]*)" with max (\d+) messages$`, s.iDryRunQueue)

	sc.Step(`^the run succeeds$`, s.theRunSucceeds)
	sc.Step(`^the run fails$`, s.theRunFails)
	sc.Step(`^a lookup failure "([^"]*)" is reported$`, s.aLookupFailureIsReported)
	sc.Step(`^the outcome for "([^"]*)" shows (\d+) inspected, (\d+) removed, (\d+) redriven and (\d+) skipped$`,
		s.theOutcomeShows)
	sc.Step(`^the outcome for "([^"]*)" stopped with "([^"]*)"$`, s.theOutcomeStoppedWith)
	sc.Step(`^the outcome for "([^"]*)" has (\d+) "([^"]*)" errors?$`, s.theOutcomeHasErrors)
	sc.Step(`^"([^"]*)" was not drained$`, s.wasNotDrained)
	sc.Step(`^(\d+) messages were (inspected|removed|redriven|skipped) in total$`, s.messagesInTotal)
	sc.Step(`^at most (\d+) entities were drained at once$`, s.atMostEntitiesAtOnce)
	sc.Step(`^the dead-letter depth of "([^"]*)" is (\d+)$`, s.theDeadLetterDepthIs)
	sc.Step(`^the depth of "([^"]*)" is (\d+)$`, s.depthIs)
}
