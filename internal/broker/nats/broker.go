// Package nats maps the broker planes onto NATS JetStream. Every queue and
// topic is a stream; every entity's dead-letter sub-queue is a work-queue
// stream drained through one durable pull consumer.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/tidwall/gjson"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

const (
	ConsumerName        = "dlq-purge"
	DefaultLockDuration = 30 * time.Second
)

type held struct {
	msg         jetstream.Msg
	stream      string
	seq         uint64
	lockedUntil time.Time
}

type Broker struct {
	js  jetstream.JetStream
	log *slog.Logger

	lockDuration time.Duration
	storage      jetstream.StorageType
	now          func() time.Time

	mu        sync.Mutex
	leases    map[string]held
	consumers map[string]jetstream.Consumer
}

var _ broker.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithLockDuration sets the consumer AckWait, which is how long a received
// message stays locked.
func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) {
		b.lockDuration = d
	}
}

// WithStorage selects the storage of streams created by EnsureQueue and
// EnsureSubscription.
func WithStorage(s jetstream.StorageType) Option {
	return func(b *Broker) {
		b.storage = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

func New(js jetstream.JetStream, log *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		js:           js,
		log:          log,
		lockDuration: DefaultLockDuration,
		storage:      jetstream.FileStorage,
		now:          time.Now,
		leases:       make(map[string]held),
		consumers:    make(map[string]jetstream.Consumer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) streams(ctx context.Context) (map[string]*jetstream.StreamInfo, []string, error) {
	lister := b.js.ListStreams(ctx)

	all := make(map[string]*jetstream.StreamInfo)
	for info := range lister.Info() {
		all[info.Config.Name] = info
	}
	if err := lister.Err(); err != nil {
		return nil, nil, mapError("list streams", err)
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	return all, names, nil
}

func streamKind(info *jetstream.StreamInfo, all map[string]*jetstream.StreamInfo) string {
	if kind := info.Config.Metadata[KindMetadataKey]; kind != "" {
		return kind
	}
	if strings.HasSuffix(info.Config.Name, DLQSuffix) {
		return kindDeadLetter
	}
	if _, ok := all[info.Config.Name+DLQSuffix]; ok {
		return kindQueue
	}
	return ""
}

func depth(info *jetstream.StreamInfo) int64 {
	if info == nil {
		return 0
	}
	return int64(info.State.Msgs)
}

func (b *Broker) ListQueues(ctx context.Context, scope models.Scope) ([]broker.QueueInfo, error) {
	all, names, err := b.streams(ctx)
	if err != nil {
		return nil, err
	}

	var out []broker.QueueInfo
	for _, name := range names {
		if streamKind(all[name], all) != kindQueue || !inNamespace(name, scope) {
			continue
		}
		out = append(out, broker.QueueInfo{
			Name:                   name,
			DeadLetterMessageCount: depth(all[DLQStreamName(name)]),
		})
	}
	return out, nil
}

func (b *Broker) ListTopics(ctx context.Context, scope models.Scope) ([]broker.TopicInfo, error) {
	all, names, err := b.streams(ctx)
	if err != nil {
		return nil, err
	}

	var out []broker.TopicInfo
	for _, name := range names {
		if streamKind(all[name], all) == kindTopic && inNamespace(name, scope) {
			out = append(out, broker.TopicInfo{Name: name})
		}
	}
	return out, nil
}

func (b *Broker) ListSubscriptions(ctx context.Context, _ models.Scope, topic string) ([]broker.SubscriptionInfo, error) {
	stream, err := b.js.Stream(ctx, topic)
	if err != nil {
		return nil, mapError("get topic stream "+topic, err)
	}

	lister := stream.ListConsumers(ctx)
	var names []string
	for info := range lister.Info() {
		if info.Config.Durable != "" {
			names = append(names, info.Config.Durable)
		}
	}
	if err := lister.Err(); err != nil {
		return nil, mapError("list consumers of "+topic, err)
	}
	sort.Strings(names)

	out := make([]broker.SubscriptionInfo, 0, len(names))
	for _, name := range names {
		n, err := b.streamDepth(ctx, DLQStreamName(models.SubscriptionPath(topic, name)))
		if err != nil {
			return nil, err
		}
		out = append(out, broker.SubscriptionInfo{Name: name, DeadLetterMessageCount: n})
	}
	return out, nil
}

func (b *Broker) streamDepth(ctx context.Context, name string) (int64, error) {
	stream, err := b.js.Stream(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return 0, nil
		}
		return 0, mapError("get stream "+name, err)
	}
	return depth(stream.CachedInfo()), nil
}

func (b *Broker) consumer(ctx context.Context, stream string) (jetstream.Consumer, error) {
	b.mu.Lock()
	c, ok := b.consumers[stream]
	b.mu.Unlock()
	if ok {
		return c, nil
	}

	//nolint:exhaustruct // optional config
	c, err := b.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.lockDuration,
		FilterSubject: stream + failedSubjectSuffix,
	})
	if err != nil {
		return nil, mapError("create consumer on "+stream, err)
	}

	b.mu.Lock()
	b.consumers[stream] = c
	b.mu.Unlock()
	return c, nil
}

func (b *Broker) Receive(ctx context.Context, address string, max int, wait time.Duration) ([]models.DeadLetterMessage, error) {
	stream, err := streamForAddress(address)
	if err != nil {
		return nil, err
	}

	c, err := b.consumer(ctx, stream)
	if err != nil {
		return nil, err
	}

	b.evictExpired()

	batch, err := c.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, mapError("fetch from "+stream, err)
	}

	out, unreadable := b.collect(stream, batch.Messages(), max)

	// A fetch that expires without messages is an empty queue, not an error.
	if err := batch.Error(); err != nil && len(out) == 0 &&
		!errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, mapError("fetch from "+stream, err)
	}
	// Unreadable messages were handed back. They surface once nothing
	// readable is left to return alongside them.
	if len(out) == 0 && unreadable != nil {
		return nil, fmt.Errorf("%w: fetch from %s: %w", models.ErrTransientBroker, stream, unreadable)
	}

	return out, nil
}

// collect locks every readable message of a fetch. A message without
// JetStream metadata is nak'ed right away so it does not sit out AckWait.
func (b *Broker) collect(stream string, msgs <-chan jetstream.Msg, max int) ([]models.DeadLetterMessage, error) {
	out := make([]models.DeadLetterMessage, 0, max)
	var errs []error
	for msg := range msgs {
		m, err := b.lock(stream, msg)
		if err != nil {
			if nakErr := msg.Nak(); nakErr != nil {
				err = errors.Join(err, fmt.Errorf("nak unreadable message: %w", nakErr))
			}
			b.log.Warn("handing back unreadable dead-letter message",
				slog.String("stream", stream),
				slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

// lock registers msg under a fresh lock token and converts it.
func (b *Broker) lock(stream string, msg jetstream.Msg) (models.DeadLetterMessage, error) {
	md, err := msg.Metadata()
	if err != nil {
		return models.DeadLetterMessage{}, fmt.Errorf("message metadata: %w", err)
	}

	token := uuid.NewString()
	lockedUntil := b.now().Add(b.lockDuration)

	b.mu.Lock()
	b.leases[token] = held{
		msg:         msg,
		stream:      stream,
		seq:         md.Sequence.Stream,
		lockedUntil: lockedUntil,
	}
	b.mu.Unlock()

	m := decode(stream, msg.Data(), msg.Headers(), md)
	m.LockToken = token
	m.LockedUntil = lockedUntil
	return m, nil
}

func decode(stream string, data []byte, headers nats.Header, md *jetstream.MsgMetadata) models.DeadLetterMessage {
	m := models.DeadLetterMessage{
		MessageID:             headers.Get(nats.MsgIdHdr),
		SequenceNumber:        md.Sequence.Stream,
		DeliveryCount:         int(md.NumDelivered),
		DeadLetterReason:      headers.Get(HeaderReason),
		DeadLetterDescription: headers.Get(HeaderDescription),
		EnqueuedAt:            md.Timestamp.UTC(),
		Body:                  data,
	}
	if m.MessageID == "" {
		m.MessageID = stream + ":" + strconv.FormatUint(md.Sequence.Stream, 10)
	}
	if n, err := strconv.Atoi(headers.Get(HeaderDeliveryCount)); err == nil {
		m.DeliveryCount = n
	}

	// Components that dead-letter through the JSON envelope put the reason
	// in "error" and the payload in "original_message".
	if gjson.ValidBytes(data) {
		env := gjson.ParseBytes(data)
		if orig := env.Get("original_message"); orig.Exists() {
			m.Body = []byte(orig.String())
			if m.DeadLetterReason == "" {
				m.DeadLetterReason = env.Get("error").String()
			}
			if m.DeadLetterDescription == "" {
				m.DeadLetterDescription = env.Get("component").String()
			}
		}
	}

	for k, v := range headers {
		if len(v) == 0 || strings.HasPrefix(k, "Dlq-") || strings.HasPrefix(k, "Nats-") {
			continue
		}
		if m.Properties == nil {
			m.Properties = make(map[string]string)
		}
		m.Properties[k] = v[0]
	}

	return m
}

// lease returns the held message behind a lock token. Tokens are single use
// and a lapsed lock is reported as expired.
func (b *Broker) lease(msg models.DeadLetterMessage) (held, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.leases[msg.LockToken]
	if !ok {
		// Lapsed leases are evicted on receive, so a missing token past its
		// lock time is an expiry rather than a reuse.
		if !msg.LockedUntil.IsZero() && !b.now().Before(msg.LockedUntil) {
			return held{}, fmt.Errorf("message %s: %w", msg.MessageID, models.ErrLockExpired)
		}
		return held{}, fmt.Errorf("message %s: %w: unknown or resolved lock token", msg.MessageID, models.ErrInvalidLockState)
	}
	if !b.now().Before(h.lockedUntil) {
		delete(b.leases, msg.LockToken)
		return held{}, fmt.Errorf("message %s: %w", msg.MessageID, models.ErrLockExpired)
	}
	return h, nil
}

// evictExpired forgets leases whose lock has lapsed. Dry runs never resolve
// their leases, so without this they would pile up for the whole run.
func (b *Broker) evictExpired() {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for token, h := range b.leases {
		if !now.Before(h.lockedUntil) {
			delete(b.leases, token)
		}
	}
}

// settled drops the token unless err leaves room for a retry.
func (b *Broker) settled(token string, err error) {
	if err != nil && models.IsRetryable(err) {
		return
	}
	b.mu.Lock()
	delete(b.leases, token)
	b.mu.Unlock()
}

func (b *Broker) Complete(ctx context.Context, msg models.DeadLetterMessage) error {
	h, err := b.lease(msg)
	if err != nil {
		return err
	}

	err = mapError("ack "+msg.MessageID, h.msg.DoubleAck(ctx))
	b.settled(msg.LockToken, err)
	return err
}

// Abandon naks with a delay so the message becomes receivable again only
// once its lock would have expired.
func (b *Broker) Abandon(_ context.Context, msg models.DeadLetterMessage) error {
	h, err := b.lease(msg)
	if err != nil {
		return err
	}

	delay := max(h.lockedUntil.Sub(b.now()), 0)
	err = mapError("nak "+msg.MessageID, h.msg.NakWithDelay(delay))
	b.settled(msg.LockToken, err)
	return err
}

// Send publishes a copy of msg to the queue or topic at address. The
// publish carries a message ID derived from the dead-letter sequence, so a
// retried send is deduplicated by the stream.
func (b *Broker) Send(ctx context.Context, address string, msg models.DeadLetterMessage) error {
	subject, err := subjectForMain(address)
	if err != nil {
		return err
	}

	out := nats.NewMsg(subject)
	out.Data = msg.Body
	for k, v := range msg.Properties {
		out.Header.Set(k, v)
	}

	msgID := "redrive:" + msg.MessageID
	b.mu.Lock()
	h, ok := b.leases[msg.LockToken]
	b.mu.Unlock()
	if ok {
		out.Header.Set(HeaderRedrivenFrom, h.stream)
		msgID = fmt.Sprintf("redrive:%s:%d", h.stream, h.seq)
	}

	if _, err := b.js.PublishMsg(ctx, out, jetstream.WithMsgID(msgID)); err != nil {
		return mapError("publish to "+subject, err)
	}
	return nil
}
