package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

type Op string

const (
	OpComplete Op = "complete"
	OpAbandon  Op = "abandon"
	OpSend     Op = "send"
)

// Action is a mutating call that a dry run intercepted.
type Action struct {
	Op        Op
	Address   string
	MessageID string
}

// DataPlane passes receives through to the wrapped broker and records every
// mutating call instead of performing it. Peeked messages stay locked until
// their lock expires on its own.
type DataPlane struct {
	inner broker.DataPlane
	log   *slog.Logger

	mu      sync.Mutex
	actions []Action
}

var _ broker.DataPlane = (*DataPlane)(nil)

func Wrap(inner broker.DataPlane, log *slog.Logger) *DataPlane {
	return &DataPlane{
		inner: inner,
		log:   log,
	}
}

func (d *DataPlane) Receive(ctx context.Context, address string, max int, wait time.Duration) ([]models.DeadLetterMessage, error) {
	return d.inner.Receive(ctx, address, max, wait)
}

func (d *DataPlane) Complete(_ context.Context, msg models.DeadLetterMessage) error {
	d.record(Action{Op: OpComplete, MessageID: msg.MessageID})
	return nil
}

func (d *DataPlane) Abandon(_ context.Context, msg models.DeadLetterMessage) error {
	d.record(Action{Op: OpAbandon, MessageID: msg.MessageID})
	return nil
}

func (d *DataPlane) Send(_ context.Context, address string, msg models.DeadLetterMessage) error {
	d.record(Action{Op: OpSend, Address: address, MessageID: msg.MessageID})
	return nil
}

func (d *DataPlane) record(a Action) {
	d.mu.Lock()
	d.actions = append(d.actions, a)
	d.mu.Unlock()

	d.log.Debug("dry run: skipped broker call",
		slog.String("op", string(a.Op)),
		slog.String("message_id", a.MessageID),
		slog.String("address", a.Address))
}

// Actions returns the intercepted calls in the order they were made.
func (d *DataPlane) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Action(nil), d.actions...)
}

func (d *DataPlane) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, a := range d.actions {
		if a.Op == op {
			n++
		}
	}
	return n
}
