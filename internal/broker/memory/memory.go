// Package memory is an in-process broker with peek-lock semantics. It backs
// the package tests and the BDD scenarios, and is deterministic apart from
// lock token values.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

const DefaultLockDuration = 30 * time.Second

type Op string

const (
	OpReceive  Op = "receive"
	OpComplete Op = "complete"
	OpAbandon  Op = "abandon"
	OpSend     Op = "send"
	OpList     Op = "list"
)

type stored struct {
	msg       models.DeadLetterMessage
	lockToken string
	visibleAt time.Time
}

type lease struct {
	address     string
	seq         uint64
	lockedUntil time.Time
}

type fault struct {
	op      Op
	address string
	err     error
	times   int
}

// Broker implements broker.Broker in memory.
type Broker struct {
	mu sync.Mutex

	now            func() time.Time
	lockDuration   time.Duration
	receiveLatency time.Duration

	queues        map[string]struct{}
	subscriptions map[string][]string
	stores        map[string][]*stored
	leases        map[string]lease
	resolved      map[string]struct{}
	expired       map[string]struct{}
	faults        []*fault
	nextSeq       uint64

	calls        map[Op]int
	inFlight     int
	peakInFlight int
}

var _ broker.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithClock replaces time.Now, which lets tests expire locks on demand.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) {
		b.lockDuration = d
	}
}

// WithReceiveLatency makes every receive call block for d, so that
// overlapping callers become observable through PeakInFlight.
func WithReceiveLatency(d time.Duration) Option {
	return func(b *Broker) {
		b.receiveLatency = d
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		now:           time.Now,
		lockDuration:  DefaultLockDuration,
		queues:        make(map[string]struct{}),
		subscriptions: make(map[string][]string),
		stores:        make(map[string][]*stored),
		leases:        make(map[string]lease),
		resolved:      make(map[string]struct{}),
		expired:       make(map[string]struct{}),
		calls:         make(map[Op]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) AddQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[name] = struct{}{}
	b.ensureStore(name)
	b.ensureStore(name + models.DeadLetterSuffix)
}

func (b *Broker) AddSubscription(topic, subscription string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscriptions[topic] {
		if s == subscription {
			return
		}
	}
	b.subscriptions[topic] = append(b.subscriptions[topic], subscription)
	b.ensureStore(topic)
	b.ensureStore(models.SubscriptionPath(topic, subscription) + models.DeadLetterSuffix)
}

func (b *Broker) ensureStore(address string) {
	if _, ok := b.stores[address]; !ok {
		b.stores[address] = nil
	}
}

// DeadLetter appends messages to the dead-letter sub-queue of the entity at
// path. Sequence numbers and missing message IDs are assigned here.
func (b *Broker) DeadLetter(path string, msgs ...models.DeadLetterMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	address := path + models.DeadLetterSuffix
	if _, ok := b.stores[address]; !ok {
		return fmt.Errorf("dead letter %s: %w", path, models.ErrEntityNotFound)
	}

	for _, msg := range msgs {
		b.nextSeq++
		msg.SequenceNumber = b.nextSeq
		if msg.MessageID == "" {
			msg.MessageID = fmt.Sprintf("msg-%d", b.nextSeq)
		}
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = b.now().UTC()
		}
		msg.LockToken = ""
		msg.LockedUntil = time.Time{}
		b.stores[address] = append(b.stores[address], &stored{msg: msg})
	}
	return nil
}

// DeadLetterN appends n messages with the given reason.
func (b *Broker) DeadLetterN(path string, n int, reason string) error {
	msgs := make([]models.DeadLetterMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.DeadLetterMessage{
			DeliveryCount:    10,
			DeadLetterReason: reason,
			Body:             []byte(fmt.Sprintf(`{"n": %d}`, i)),
		})
	}
	return b.DeadLetter(path, msgs...)
}

// InjectFault makes the next times calls of op against address fail with err.
// A negative times fails forever. An empty address matches every address.
func (b *Broker) InjectFault(op Op, address string, err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults = append(b.faults, &fault{op: op, address: address, err: err, times: times})
}

func (b *Broker) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults = nil
}

func (b *Broker) takeFault(op Op, address string) error {
	for _, f := range b.faults {
		if f.op != op || (f.address != "" && f.address != address) || f.times == 0 {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

// Depth counts every message at address, locked or not.
func (b *Broker) Depth(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.stores[address])
}

// DeadLetterDepth is Depth of the entity's dead-letter sub-queue.
func (b *Broker) DeadLetterDepth(path string) int {
	return b.Depth(path + models.DeadLetterSuffix)
}

// Messages returns a copy of the messages stored at address.
func (b *Broker) Messages(address string) []models.DeadLetterMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.DeadLetterMessage, 0, len(b.stores[address]))
	for _, s := range b.stores[address] {
		out = append(out, s.msg)
	}
	return out
}

func (b *Broker) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls[op]
}

// PeakInFlight is the highest number of receive calls observed running at
// the same time.
func (b *Broker) PeakInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.peakInFlight
}

func (b *Broker) ListQueues(_ context.Context, _ models.Scope) ([]broker.QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[OpList]++
	if err := b.takeFault(OpList, ""); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]broker.QueueInfo, 0, len(names))
	for _, name := range names {
		out = append(out, broker.QueueInfo{
			Name:                   name,
			DeadLetterMessageCount: int64(len(b.stores[name+models.DeadLetterSuffix])),
		})
	}
	return out, nil
}

func (b *Broker) ListTopics(_ context.Context, _ models.Scope) ([]broker.TopicInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[OpList]++
	if err := b.takeFault(OpList, ""); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.subscriptions))
	for name := range b.subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]broker.TopicInfo, 0, len(names))
	for _, name := range names {
		out = append(out, broker.TopicInfo{Name: name})
	}
	return out, nil
}

func (b *Broker) ListSubscriptions(_ context.Context, _ models.Scope, topic string) ([]broker.SubscriptionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[OpList]++
	if err := b.takeFault(OpList, topic); err != nil {
		return nil, err
	}

	subs, ok := b.subscriptions[topic]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", topic, models.ErrEntityNotFound)
	}

	out := make([]broker.SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		address := models.SubscriptionPath(topic, sub) + models.DeadLetterSuffix
		out = append(out, broker.SubscriptionInfo{
			Name:                   sub,
			DeadLetterMessageCount: int64(len(b.stores[address])),
		})
	}
	return out, nil
}

func (b *Broker) Receive(ctx context.Context, address string, max int, _ time.Duration) ([]models.DeadLetterMessage, error) {
	b.enter()
	defer b.leave()

	if b.receiveLatency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.receiveLatency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[OpReceive]++
	if err := b.takeFault(OpReceive, address); err != nil {
		return nil, err
	}

	queue, ok := b.stores[address]
	if !ok {
		return nil, fmt.Errorf("receive %s: %w: %w", address, models.ErrFatalBroker, models.ErrEntityNotFound)
	}

	now := b.now()
	out := make([]models.DeadLetterMessage, 0, max)
	for _, s := range queue {
		if len(out) == max {
			break
		}
		if s.lockToken != "" {
			l, held := b.leases[s.lockToken]
			if held && now.Before(l.lockedUntil) {
				continue
			}
			delete(b.leases, s.lockToken)
			b.expired[s.lockToken] = struct{}{}
			s.lockToken = ""
		}
		if now.Before(s.visibleAt) {
			continue
		}

		token := uuid.NewString()
		lockedUntil := now.Add(b.lockDuration)
		s.lockToken = token
		b.leases[token] = lease{address: address, seq: s.msg.SequenceNumber, lockedUntil: lockedUntil}

		msg := s.msg
		msg.LockToken = token
		msg.LockedUntil = lockedUntil
		out = append(out, msg)
	}
	return out, nil
}

// settle validates the lease behind msg and returns the stored message.
func (b *Broker) settle(op Op, msg models.DeadLetterMessage) (*stored, lease, error) {
	b.calls[op]++

	if _, done := b.resolved[msg.LockToken]; done {
		return nil, lease{}, fmt.Errorf("%s message %s: %w: token already resolved", op, msg.MessageID, models.ErrInvalidLockState)
	}
	if _, gone := b.expired[msg.LockToken]; gone {
		return nil, lease{}, fmt.Errorf("%s message %s: %w", op, msg.MessageID, models.ErrLockExpired)
	}
	l, ok := b.leases[msg.LockToken]
	if !ok {
		return nil, lease{}, fmt.Errorf("%s message %s: %w: unknown token", op, msg.MessageID, models.ErrInvalidLockState)
	}
	if err := b.takeFault(op, l.address); err != nil {
		return nil, lease{}, err
	}

	var target *stored
	for _, s := range b.stores[l.address] {
		if s.msg.SequenceNumber == l.seq && s.lockToken == msg.LockToken {
			target = s
			break
		}
	}
	if target == nil {
		delete(b.leases, msg.LockToken)
		return nil, lease{}, fmt.Errorf("%s message %s: %w: message no longer locked", op, msg.MessageID, models.ErrInvalidLockState)
	}
	if !b.now().Before(l.lockedUntil) {
		delete(b.leases, msg.LockToken)
		b.expired[msg.LockToken] = struct{}{}
		target.lockToken = ""
		return nil, lease{}, fmt.Errorf("%s message %s: %w", op, msg.MessageID, models.ErrLockExpired)
	}
	return target, l, nil
}

func (b *Broker) Complete(_ context.Context, msg models.DeadLetterMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	target, l, err := b.settle(OpComplete, msg)
	if err != nil {
		return err
	}

	queue := b.stores[l.address]
	for i, s := range queue {
		if s == target {
			b.stores[l.address] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	delete(b.leases, msg.LockToken)
	b.resolved[msg.LockToken] = struct{}{}
	return nil
}

// Abandon releases the lock. The message stays hidden until the lock would
// have expired, then becomes receivable again.
func (b *Broker) Abandon(_ context.Context, msg models.DeadLetterMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	target, l, err := b.settle(OpAbandon, msg)
	if err != nil {
		return err
	}

	target.lockToken = ""
	target.visibleAt = l.lockedUntil
	delete(b.leases, msg.LockToken)
	b.resolved[msg.LockToken] = struct{}{}
	return nil
}

func (b *Broker) Send(_ context.Context, address string, msg models.DeadLetterMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[OpSend]++
	if err := b.takeFault(OpSend, address); err != nil {
		return err
	}
	if strings.HasSuffix(address, models.DeadLetterSuffix) {
		return fmt.Errorf("send to %s: %w: cannot send to a dead-letter sub-queue", address, models.ErrFatalBroker)
	}
	if _, ok := b.stores[address]; !ok {
		return fmt.Errorf("send to %s: %w: %w", address, models.ErrFatalBroker, models.ErrEntityNotFound)
	}

	b.nextSeq++
	copied := models.DeadLetterMessage{
		MessageID:      msg.MessageID,
		SequenceNumber: b.nextSeq,
		EnqueuedAt:     b.now().UTC(),
		Body:           append([]byte(nil), msg.Body...),
		Properties:     msg.Properties,
	}
	b.stores[address] = append(b.stores[address], &stored{msg: copied})
	return nil
}

func (b *Broker) enter() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight++
	if b.inFlight > b.peakInFlight {
		b.peakInFlight = b.inFlight
	}
}

func (b *Broker) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight--
}

// ManualClock is a settable time source for WithClock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
