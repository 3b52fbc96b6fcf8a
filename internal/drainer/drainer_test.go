package drainer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gocloud.dev/blob/memblob"

	"github.com/glassflow/dlq-reconciler/internal/archive"
	"github.com/glassflow/dlq-reconciler/internal/broker/memory"
	"github.com/glassflow/dlq-reconciler/internal/broker/mocks"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/internal/policy"
	"github.com/glassflow/dlq-reconciler/tests/testutils"
)

type funcPolicy func(models.DeadLetterMessage) models.Disposition

func (f funcPolicy) Decide(msg models.DeadLetterMessage) models.Disposition { return f(msg) }
func (f funcPolicy) Name() string                                         { return "func" }

func always(d models.Disposition) funcPolicy {
	return func(models.DeadLetterMessage) models.Disposition { return d }
}

func testConfig(maxMessages int) Config {
	return Config{
		MaxMessages:   maxMessages,
		BatchSize:     models.DefaultReceiveBatchSize,
		ReceiveWait:   10 * time.Millisecond,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestDrain_DiscardsUntilEmpty(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 50, "MaxDeliveryCountExceeded"))

	d := New(b, policy.DiscardAll{}, testConfig(1000), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 50))

	assert.Equal(t, 50, out.MessagesInspected)
	assert.Equal(t, 50, out.MessagesRemoved)
	assert.Equal(t, models.StopDrained, out.StopReason)
	assert.False(t, out.Fatal)
	assert.Empty(t, out.Errors)
	assert.Equal(t, 0, b.DeadLetterDepth("orders"))
}

func TestDrain_StopsAtBudget(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 2000, "Poison"))

	d := New(b, policy.DiscardAll{}, testConfig(1000), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 2000))

	assert.Equal(t, 1000, out.MessagesInspected)
	assert.Equal(t, 1000, out.MessagesRemoved)
	assert.Equal(t, models.StopBudgetExhausted, out.StopReason)
	assert.Equal(t, 1000, b.DeadLetterDepth("orders"))
}

func TestDrain_ReceiveNeverAsksPastBudget(t *testing.T) {
	ctrl := gomock.NewController(t)

	var seq uint64
	var asked []int
	plane := mocks.NewMockDataPlane(ctrl)
	plane.EXPECT().Receive(gomock.Any(), "orders/$DeadLetterQueue", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, max int, _ time.Duration) ([]models.DeadLetterMessage, error) {
			asked = append(asked, max)
			msgs := make([]models.DeadLetterMessage, 0, max)
			for i := 0; i < max; i++ {
				seq++
				msgs = append(msgs, models.DeadLetterMessage{MessageID: fmt.Sprint(seq), SequenceNumber: seq})
			}
			return msgs, nil
		}).
		Times(3)
	plane.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(nil).Times(70)

	cfg := testConfig(70)
	d := New(plane, policy.DiscardAll{}, cfg, testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 500))

	assert.Equal(t, []int{32, 32, 6}, asked)
	assert.Equal(t, 70, out.MessagesInspected)
	assert.Equal(t, models.StopBudgetExhausted, out.StopReason)
}

func threeMessages() []models.DeadLetterMessage {
	return []models.DeadLetterMessage{
		{MessageID: "a", SequenceNumber: 1},
		{MessageID: "b", SequenceNumber: 2},
		{MessageID: "c", SequenceNumber: 3},
	}
}

func TestDrain_OversizedBatchIsTrimmed(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgs := threeMessages()

	plane := mocks.NewMockDataPlane(ctrl)
	plane.EXPECT().Receive(gomock.Any(), gomock.Any(), 2, gomock.Any()).Return(msgs, nil)
	plane.EXPECT().Abandon(gomock.Any(), msgs[2]).Return(nil)
	plane.EXPECT().Complete(gomock.Any(), msgs[0]).Return(nil)
	plane.EXPECT().Complete(gomock.Any(), msgs[1]).Return(nil)

	d := New(plane, policy.DiscardAll{}, testConfig(2), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 3))

	assert.Equal(t, 2, out.MessagesInspected)
	assert.Equal(t, 2, out.MessagesRemoved)
	assert.Empty(t, out.Errors)
}

func TestDrain_FailedReleaseIsRecorded(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgs := threeMessages()

	plane := mocks.NewMockDataPlane(ctrl)
	plane.EXPECT().Receive(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(msgs, nil)
	plane.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	plane.EXPECT().Abandon(gomock.Any(), msgs[2]).Return(models.ErrInvalidLockState)

	d := New(plane, policy.DiscardAll{}, testConfig(2), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 3))

	assert.Equal(t, 2, out.MessagesRemoved)
	assert.False(t, out.Fatal)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "c", out.Errors[0].MessageID)
	assert.Equal(t, models.CategoryInvalidLockState, out.Errors[0].Category)
}

func TestDrain_RedrivesToMainQueue(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetter("orders",
		models.DeadLetterMessage{MessageID: "retry-me", DeliveryCount: 2, DeadLetterReason: "Transient", Body: []byte("a")},
		models.DeadLetterMessage{MessageID: "drop-me", DeliveryCount: 10, DeadLetterReason: "Transient", Body: []byte("b")},
	))

	d := New(b, policy.NewDeliveryCeiling(5, "Transient"), testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 2))

	assert.Equal(t, 2, out.MessagesInspected)
	assert.Equal(t, 1, out.MessagesRedriven)
	assert.Equal(t, 1, out.MessagesRemoved)
	assert.Equal(t, 0, b.DeadLetterDepth("orders"))

	main := b.Messages("orders")
	require.Len(t, main, 1)
	assert.Equal(t, "retry-me", main[0].MessageID)
	assert.Equal(t, []byte("a"), main[0].Body)
}

func TestDrain_SubscriptionRedrivesToTopic(t *testing.T) {
	b := memory.New()
	b.AddSubscription("billing", "invoices")
	require.NoError(t, b.DeadLetterN("billing/subscriptions/invoices", 3, "Transient"))

	d := New(b, always(models.DispositionRedrive), testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewSubscriptionEntity("billing", "invoices", 3))

	assert.Equal(t, 3, out.MessagesRedriven)
	assert.Equal(t, 3, b.Depth("billing"))
	assert.Equal(t, 0, b.DeadLetterDepth("billing/subscriptions/invoices"))
}

func TestDrain_RedriveSendFailureLeavesMessage(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 2, "Transient"))
	b.InjectFault(memory.OpSend, "orders", models.ErrFatalBroker, -1)

	d := New(b, always(models.DispositionRedrive), testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 2))

	assert.Equal(t, 2, out.MessagesInspected)
	assert.Equal(t, 0, out.MessagesRedriven)
	require.Len(t, out.Errors, 2)
	for _, f := range out.Errors {
		assert.Equal(t, models.CategoryRedriveFailed, f.Category)
	}
	assert.Equal(t, 2, b.DeadLetterDepth("orders"))
	assert.Equal(t, 0, b.Depth("orders"))
	assert.Equal(t, 0, b.Calls(memory.OpComplete))
	assert.Equal(t, 2, b.Calls(memory.OpAbandon))
	assert.Equal(t, models.StopDrained, out.StopReason)
}

func TestDrain_SkipLeavesMessages(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 5, "Unknown"))

	d := New(b, always(models.DispositionSkip), testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 5))

	assert.Equal(t, 5, out.MessagesInspected)
	assert.Equal(t, 5, out.MessagesSkipped)
	assert.Equal(t, models.StopDrained, out.StopReason)
	assert.Equal(t, 5, b.DeadLetterDepth("orders"))
}

func TestDrain_RetriesTransientComplete(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 3, "Poison"))
	b.InjectFault(memory.OpComplete, "", models.ErrTransientBroker, 2)

	d := New(b, policy.DiscardAll{}, testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 3))

	assert.Equal(t, 3, out.MessagesRemoved)
	assert.Empty(t, out.Errors)
	assert.Equal(t, 5, b.Calls(memory.OpComplete))
}

func TestDrain_TransientCompleteExhaustedIsFatal(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 5, "Poison"))
	b.InjectFault(memory.OpComplete, "", models.ErrTransientBroker, -1)

	d := New(b, policy.DiscardAll{}, testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 5))

	assert.True(t, out.Fatal)
	assert.Equal(t, models.StopFatal, out.StopReason)
	assert.Equal(t, 1, out.MessagesInspected)
	assert.Equal(t, 0, out.MessagesRemoved)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, models.CategoryFatalBroker, out.Errors[0].Category)

	assert.Equal(t, 3, b.Calls(memory.OpComplete))
	assert.Equal(t, 4, b.Calls(memory.OpAbandon))
	assert.Equal(t, 1, b.Calls(memory.OpReceive))
	assert.Equal(t, 5, b.DeadLetterDepth("orders"))
}

func TestDrain_TransientAbandonExhaustedIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgs := threeMessages()

	plane := mocks.NewMockDataPlane(ctrl)
	plane.EXPECT().Receive(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(msgs, nil)
	plane.EXPECT().Abandon(gomock.Any(), gomock.Any()).Return(models.ErrTransientBroker).Times(9)

	d := New(plane, always(models.DispositionSkip), testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 3))

	assert.True(t, out.Fatal)
	assert.Equal(t, 1, out.MessagesInspected)
	assert.Equal(t, 0, out.MessagesSkipped)
	require.Len(t, out.Errors, 3)
	assert.Equal(t, models.CategoryFatalBroker, out.Errors[0].Category)
	assert.Equal(t, "b", out.Errors[1].MessageID)
	assert.Equal(t, models.CategoryTransientBroker, out.Errors[1].Category)
}

func TestDrain_LockExpiredIsNotRetried(t *testing.T) {
	clock := memory.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := memory.New(memory.WithClock(clock.Now), memory.WithLockDuration(time.Second))
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 1, "Poison"))

	slow := funcPolicy(func(models.DeadLetterMessage) models.Disposition {
		clock.Advance(2 * time.Second)
		return models.DispositionDiscard
	})

	// The drainer clock stands still, so only the broker sees the lock lapse.
	start := clock.Now()
	d := New(b, slow, testConfig(1), testutils.NewTestLogger(), WithClock(func() time.Time { return start }))
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 1))

	assert.Equal(t, 1, out.MessagesInspected)
	assert.Equal(t, 0, out.MessagesRemoved)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, models.CategoryLockExpired, out.Errors[0].Category)
	assert.Equal(t, 1, b.Calls(memory.OpComplete))
	assert.Equal(t, 1, b.DeadLetterDepth("orders"))
}

func TestDrain_KnownExpiredLockIsNotTouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale := models.DeadLetterMessage{MessageID: "stale", SequenceNumber: 1, LockedUntil: now.Add(-time.Second)}

	// No Complete or Abandon expectation: touching the lock fails the test.
	plane := mocks.NewMockDataPlane(ctrl)
	gomock.InOrder(
		plane.EXPECT().Receive(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return([]models.DeadLetterMessage{stale}, nil),
		plane.EXPECT().Receive(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, nil),
	)

	d := New(plane, policy.DiscardAll{}, testConfig(10), testutils.NewTestLogger(), WithClock(func() time.Time { return now }))
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 1))

	assert.Equal(t, 1, out.MessagesInspected)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, models.CategoryLockExpired, out.Errors[0].Category)
}

func TestDrain_FatalReceiveStopsEntity(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 5, "Poison"))
	b.InjectFault(memory.OpReceive, "", models.ErrFatalBroker, -1)

	d := New(b, policy.DiscardAll{}, testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 5))

	assert.True(t, out.Fatal)
	assert.Equal(t, models.StopFatal, out.StopReason)
	assert.Equal(t, 0, out.MessagesInspected)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, models.CategoryFatalBroker, out.Errors[0].Category)
	assert.Equal(t, 1, b.Calls(memory.OpReceive))
}

func TestDrain_TransientReceiveExhaustsRetries(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	b.InjectFault(memory.OpReceive, "", models.ErrTransientBroker, -1)

	d := New(b, policy.DiscardAll{}, testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 5))

	assert.True(t, out.Fatal)
	assert.Equal(t, 3, b.Calls(memory.OpReceive))
}

func TestDrain_MissingEntityIsFatal(t *testing.T) {
	b := memory.New()

	d := New(b, policy.DiscardAll{}, testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("ghost", 1))

	assert.True(t, out.Fatal)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, models.CategoryEntityNotFound, out.Errors[0].Category)
}

func TestDrain_StopsWhenMessagesCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	same := models.DeadLetterMessage{MessageID: "same", SequenceNumber: 9}

	plane := mocks.NewMockDataPlane(ctrl)
	plane.EXPECT().Receive(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]models.DeadLetterMessage{same}, nil).
		Times(2)
	plane.EXPECT().Abandon(gomock.Any(), same).Return(nil).Times(2)

	d := New(plane, always(models.DispositionSkip), testConfig(100), testutils.NewTestLogger())
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 1))

	assert.Equal(t, models.StopCycled, out.StopReason)
	assert.Equal(t, 1, out.MessagesInspected)
	assert.Equal(t, 1, out.MessagesSkipped)
}

func TestDrain_CancellationFinishesCurrentMessage(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 20, "Poison"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var decided int
	pol := funcPolicy(func(models.DeadLetterMessage) models.Disposition {
		decided++
		if decided == 5 {
			cancel()
		}
		return models.DispositionDiscard
	})

	d := New(b, pol, testConfig(100), testutils.NewTestLogger())
	out := d.Drain(ctx, models.NewQueueEntity("orders", 20))

	assert.Equal(t, models.StopCancelled, out.StopReason)
	assert.Equal(t, 5, out.MessagesInspected)
	assert.Equal(t, 5, out.MessagesRemoved)
	assert.Empty(t, out.Errors)
	assert.Equal(t, 15, b.DeadLetterDepth("orders"))
}

func TestDrain_ArchivesBeforeDiscard(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 2, "Poison"))

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	arch := archive.NewBlobArchiver(bucket, "run-1")

	d := New(b, policy.DiscardAll{}, testConfig(10), testutils.NewTestLogger(), WithArchiver(arch))
	out := d.Drain(ctx, models.NewQueueEntity("orders", 2))

	assert.Equal(t, 2, out.MessagesRemoved)
	for _, seq := range []int{1, 2} {
		ok, err := bucket.Exists(ctx, fmt.Sprintf("run-1/orders/%d.json", seq))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, models.Entity, models.DeadLetterMessage) error {
	return fmt.Errorf("%w: bucket unavailable", models.ErrArchive)
}

func (failingArchiver) Close() error { return nil }

func TestDrain_ArchiveFailureKeepsMessage(t *testing.T) {
	b := memory.New()
	b.AddQueue("orders")
	require.NoError(t, b.DeadLetterN("orders", 1, "Poison"))

	d := New(b, policy.DiscardAll{}, testConfig(10), testutils.NewTestLogger(), WithArchiver(failingArchiver{}))
	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 1))

	assert.Equal(t, 0, out.MessagesRemoved)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, models.CategoryArchiveFailed, out.Errors[0].Category)
	assert.Equal(t, 1, b.DeadLetterDepth("orders"))
	assert.Equal(t, 0, b.Calls(memory.OpComplete))
}
