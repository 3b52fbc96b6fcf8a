package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsTest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natsbroker "github.com/glassflow/dlq-reconciler/internal/broker/nats"
	"github.com/glassflow/dlq-reconciler/internal/broker/memory"
	"github.com/glassflow/dlq-reconciler/internal/drainer"
	"github.com/glassflow/dlq-reconciler/internal/models"
	"github.com/glassflow/dlq-reconciler/internal/policy"
	"github.com/glassflow/dlq-reconciler/tests/testutils"
)

const fetchWait = 200 * time.Millisecond

func setupNATSServer(t *testing.T) jetstream.JetStream {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	natsServer := natsTest.RunServer(opts)
	t.Cleanup(natsServer.Shutdown)

	nc, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	return js
}

func newBroker(t *testing.T, js jetstream.JetStream, opts ...natsbroker.Option) *natsbroker.Broker {
	t.Helper()

	opts = append([]natsbroker.Option{natsbroker.WithStorage(jetstream.MemoryStorage)}, opts...)
	b := natsbroker.New(js, testutils.NewTestLogger(), opts...)

	ctx := context.Background()
	require.NoError(t, b.EnsureQueue(ctx, "orders"))
	require.NoError(t, b.EnsureQueue(ctx, "audit"))
	require.NoError(t, b.EnsureSubscription(ctx, "billing", "invoices"))
	return b
}

func deadLetter(t *testing.T, js jetstream.JetStream, path string, n int, reason string) {
	t.Helper()

	for i := 0; i < n; i++ {
		msg := nats.NewMsg(natsbroker.DLQSubject(path))
		msg.Data = []byte(`{"order": 1}`)
		msg.Header.Set(natsbroker.HeaderReason, reason)
		_, err := js.PublishMsg(context.Background(), msg)
		require.NoError(t, err)
	}
}

func streamDepth(t *testing.T, js jetstream.JetStream, name string) uint64 {
	t.Helper()

	s, err := js.Stream(context.Background(), name)
	require.NoError(t, err)
	info, err := s.Info(context.Background())
	require.NoError(t, err)
	return info.State.Msgs
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "orders-DLQ", natsbroker.DLQStreamName("orders"))
	assert.Equal(t, "orders-DLQ.failed", natsbroker.DLQSubject("orders"))
	assert.Equal(t, "billing_invoices-DLQ", natsbroker.DLQStreamName("billing/subscriptions/invoices"))
}

func TestBroker_ControlPlane(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)
	ctx := context.Background()

	deadLetter(t, js, "orders", 3, "Poison")
	deadLetter(t, js, "billing/subscriptions/invoices", 2, "Poison")

	queues, err := b.ListQueues(ctx, models.Scope{})
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, "audit", queues[0].Name)
	assert.Equal(t, int64(0), queues[0].DeadLetterMessageCount)
	assert.Equal(t, "orders", queues[1].Name)
	assert.Equal(t, int64(3), queues[1].DeadLetterMessageCount)

	topics, err := b.ListTopics(ctx, models.Scope{})
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "billing", topics[0].Name)

	subs, err := b.ListSubscriptions(ctx, models.Scope{}, "billing")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "invoices", subs[0].Name)
	assert.Equal(t, int64(2), subs[0].DeadLetterMessageCount)

	_, err = b.ListSubscriptions(ctx, models.Scope{}, "missing")
	assert.ErrorIs(t, err, models.ErrEntityNotFound)

	scoped, err := b.ListQueues(ctx, models.Scope{Namespace: "prod"})
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestBroker_ReceiveAndComplete(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)
	ctx := context.Background()

	msg := nats.NewMsg(natsbroker.DLQSubject("orders"))
	msg.Data = []byte(`{"order": 7}`)
	msg.Header.Set(natsbroker.HeaderReason, "MaxDeliveryCountExceeded")
	msg.Header.Set(natsbroker.HeaderDescription, "gave up after 10 attempts")
	msg.Header.Set(natsbroker.HeaderDeliveryCount, "10")
	msg.Header.Set("Tenant", "acme")
	_, err := js.PublishMsg(ctx, msg)
	require.NoError(t, err)

	got, err := b.Receive(ctx, "orders/$DeadLetterQueue", 10, fetchWait)
	require.NoError(t, err)
	require.Len(t, got, 1)

	m := got[0]
	assert.NotEmpty(t, m.LockToken)
	assert.Equal(t, uint64(1), m.SequenceNumber)
	assert.Equal(t, "orders-DLQ:1", m.MessageID)
	assert.Equal(t, 10, m.DeliveryCount)
	assert.Equal(t, "MaxDeliveryCountExceeded", m.DeadLetterReason)
	assert.Equal(t, "gave up after 10 attempts", m.DeadLetterDescription)
	assert.Equal(t, []byte(`{"order": 7}`), m.Body)
	assert.Equal(t, map[string]string{"Tenant": "acme"}, m.Properties)
	assert.True(t, m.LockedUntil.After(time.Now()))

	require.NoError(t, b.Complete(ctx, m))
	assert.Eventually(t, func() bool {
		return streamDepth(t, js, "orders-DLQ") == 0
	}, 2*time.Second, 20*time.Millisecond)

	err = b.Complete(ctx, m)
	assert.ErrorIs(t, err, models.ErrInvalidLockState)
}

func TestBroker_ReceiveEnvelope(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)
	ctx := context.Background()

	_, err := js.Publish(ctx, natsbroker.DLQSubject("orders"),
		[]byte(`{"component":"sink","error":"schema mismatch","original_message":"{\"id\":1}"}`))
	require.NoError(t, err)

	got, err := b.Receive(ctx, "orders/$DeadLetterQueue", 1, fetchWait)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "schema mismatch", got[0].DeadLetterReason)
	assert.Equal(t, "sink", got[0].DeadLetterDescription)
	assert.Equal(t, []byte(`{"id":1}`), got[0].Body)
	assert.Equal(t, 1, got[0].DeliveryCount)
}

func TestBroker_EmptyReceive(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)

	got, err := b.Receive(context.Background(), "audit/$DeadLetterQueue", 5, fetchWait)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBroker_ReceiveUnknownEntity(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)

	_, err := b.Receive(context.Background(), "ghost/$DeadLetterQueue", 5, fetchWait)
	assert.ErrorIs(t, err, models.ErrEntityNotFound)
	assert.ErrorIs(t, err, models.ErrFatalBroker)
	assert.False(t, models.IsRetryable(err))
}

func TestBroker_AbandonHidesUntilLockExpiry(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js, natsbroker.WithLockDuration(time.Second))
	ctx := context.Background()
	deadLetter(t, js, "orders", 1, "Poison")

	got, err := b.Receive(ctx, "orders/$DeadLetterQueue", 1, fetchWait)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, b.Abandon(ctx, got[0]))

	again, err := b.Receive(ctx, "orders/$DeadLetterQueue", 1, fetchWait)
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.Eventually(t, func() bool {
		again, err = b.Receive(ctx, "orders/$DeadLetterQueue", 1, fetchWait)
		return err == nil && len(again) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, got[0].SequenceNumber, again[0].SequenceNumber)
	assert.Equal(t, uint64(1), streamDepth(t, js, "orders-DLQ"))
}

func TestBroker_LockExpired(t *testing.T) {
	js := setupNATSServer(t)
	clock := memory.NewManualClock(time.Now())
	b := newBroker(t, js, natsbroker.WithClock(clock.Now))
	ctx := context.Background()
	deadLetter(t, js, "orders", 1, "Poison")

	got, err := b.Receive(ctx, "orders/$DeadLetterQueue", 1, fetchWait)
	require.NoError(t, err)
	require.Len(t, got, 1)

	clock.Advance(natsbroker.DefaultLockDuration + time.Second)

	err = b.Complete(ctx, got[0])
	assert.ErrorIs(t, err, models.ErrLockExpired)
	assert.Equal(t, uint64(1), streamDepth(t, js, "orders-DLQ"))
}

func TestBroker_SendDeduplicatesRetries(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)
	ctx := context.Background()
	deadLetter(t, js, "orders", 1, "Transient")

	got, err := b.Receive(ctx, "orders/$DeadLetterQueue", 1, fetchWait)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, b.Send(ctx, "orders", got[0]))
	require.NoError(t, b.Send(ctx, "orders", got[0]))
	assert.Equal(t, uint64(1), streamDepth(t, js, "orders"))

	s, err := js.Stream(ctx, "orders")
	require.NoError(t, err)
	raw, err := s.GetMsg(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "orders-DLQ", raw.Header.Get(natsbroker.HeaderRedrivenFrom))
	assert.Equal(t, []byte(`{"order": 1}`), raw.Data)
}

func TestBroker_SendRejectsDeadLetterAddress(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)

	err := b.Send(context.Background(), "orders/$DeadLetterQueue", models.DeadLetterMessage{MessageID: "x"})
	assert.ErrorIs(t, err, models.ErrFatalBroker)
}

func TestBroker_DrainWithBudget(t *testing.T) {
	js := setupNATSServer(t)
	b := newBroker(t, js)
	deadLetter(t, js, "orders", 5, "Poison")

	d := drainer.New(b, policy.DiscardAll{}, drainer.Config{
		MaxMessages:   3,
		BatchSize:     32,
		ReceiveWait:   fetchWait,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
		RetryMaxDelay: 50 * time.Millisecond,
	}, testutils.NewTestLogger())

	out := d.Drain(context.Background(), models.NewQueueEntity("orders", 5))

	assert.Equal(t, 3, out.MessagesInspected)
	assert.Equal(t, 3, out.MessagesRemoved)
	assert.Empty(t, out.Errors)
	assert.Eventually(t, func() bool {
		return streamDepth(t, js, "orders-DLQ") == 2
	}, 2*time.Second, 20*time.Millisecond)
}
