package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsTest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/glassflow/dlq-reconciler/internal/broker"
	"github.com/glassflow/dlq-reconciler/internal/broker/memory"
	natsbroker "github.com/glassflow/dlq-reconciler/internal/broker/nats"
	"github.com/glassflow/dlq-reconciler/internal/models"
)

var errUnsupported = errors.New("not supported by this broker")

// backend is a broker the scenarios can seed, inspect and break.
type backend interface {
	Broker() broker.Broker
	AddQueue(name string) error
	AddSubscription(topic, subscription string) error
	DeadLetter(path string, n, deliveries int, reason string) error
	// Depth counts messages at address, which is either an entity path or
	// a dead-letter address.
	Depth(address string) (int, error)
	PeakInFlight() (int, error)
	FailSends(address string) error
	FailReceives(path string) error
	Reset() error
}

type memoryBackend struct {
	b *memory.Broker
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{b: memory.New(memory.WithReceiveLatency(5 * time.Millisecond))}
}

func (m *memoryBackend) Broker() broker.Broker { return m.b }

func (m *memoryBackend) AddQueue(name string) error {
	m.b.AddQueue(name)
	return nil
}

func (m *memoryBackend) AddSubscription(topic, subscription string) error {
	m.b.AddSubscription(topic, subscription)
	return nil
}

func (m *memoryBackend) DeadLetter(path string, n, deliveries int, reason string) error {
	msgs := make([]models.DeadLetterMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.DeadLetterMessage{
			DeliveryCount:    deliveries,
			DeadLetterReason: reason,
			Body:             []byte(fmt.Sprintf(`{"n": %d}`, i)),
		})
	}
	return m.b.DeadLetter(path, msgs...)
}

func (m *memoryBackend) Depth(address string) (int, error) {
	return m.b.Depth(address), nil
}

func (m *memoryBackend) PeakInFlight() (int, error) {
	return m.b.PeakInFlight(), nil
}

func (m *memoryBackend) FailSends(address string) error {
	m.b.InjectFault(memory.OpSend, address, fmt.Errorf("%w: server busy", models.ErrTransientBroker), -1)
	return nil
}

func (m *memoryBackend) FailReceives(path string) error {
	m.b.InjectFault(memory.OpReceive, path+models.DeadLetterSuffix,
		fmt.Errorf("%w: entity disabled", models.ErrFatalBroker), -1)
	return nil
}

func (m *memoryBackend) Reset() error {
	m.b = memory.New(memory.WithReceiveLatency(5 * time.Millisecond))
	return nil
}

// natsBackend runs the scenarios against an embedded JetStream server.
type natsBackend struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
	b      *natsbroker.Broker
	log    *slog.Logger
}

func startNATSBackend(log *slog.Logger) (*natsBackend, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
	}
	srv := natsTest.RunServer(opts)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		srv.Shutdown()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	n := &natsBackend{server: srv, nc: nc, js: js, log: log}
	n.b = natsbroker.New(js, log, natsbroker.WithStorage(jetstream.MemoryStorage))
	return n, nil
}

func (n *natsBackend) Broker() broker.Broker { return n.b }

func (n *natsBackend) AddQueue(name string) error {
	return n.b.EnsureQueue(context.Background(), name)
}

func (n *natsBackend) AddSubscription(topic, subscription string) error {
	return n.b.EnsureSubscription(context.Background(), topic, subscription)
}

func (n *natsBackend) DeadLetter(path string, count, deliveries int, reason string) error {
	for i := 0; i < count; i++ {
		msg := nats.NewMsg(natsbroker.DLQSubject(path))
		msg.Data = []byte(fmt.Sprintf(`{"n": %d}`, i))
		msg.Header.Set(natsbroker.HeaderReason, reason)
		msg.Header.Set(natsbroker.HeaderDeliveryCount, strconv.Itoa(deliveries))
		if _, err := n.js.PublishMsg(context.Background(), msg); err != nil {
			return fmt.Errorf("publish dead letter: %w", err)
		}
	}
	return nil
}

func (n *natsBackend) Depth(address string) (int, error) {
	name := address
	if path, ok := strings.CutSuffix(address, models.DeadLetterSuffix); ok {
		name = natsbroker.DLQStreamName(path)
	}

	s, err := n.js.Stream(context.Background(), name)
	if err != nil {
		return 0, fmt.Errorf("get stream %s: %w", name, err)
	}
	info, err := s.Info(context.Background())
	if err != nil {
		return 0, fmt.Errorf("get stream info %s: %w", name, err)
	}
	return int(info.State.Msgs), nil
}

func (n *natsBackend) PeakInFlight() (int, error) {
	return 0, errUnsupported
}

func (n *natsBackend) FailSends(string) error {
	return errUnsupported
}

func (n *natsBackend) FailReceives(string) error {
	return errUnsupported
}

// Reset deletes every stream so a scenario starts from an empty server.
func (n *natsBackend) Reset() error {
	ctx := context.Background()
	names := n.js.StreamNames(ctx)
	var streams []string
	for name := range names.Name() {
		streams = append(streams, name)
	}
	if err := names.Err(); err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	for _, name := range streams {
		if err := n.js.DeleteStream(ctx, name); err != nil {
			return fmt.Errorf("delete stream %s: %w", name, err)
		}
	}

	// Leases and consumer handles belong to the deleted streams.
	n.b = natsbroker.New(n.js, n.log, natsbroker.WithStorage(jetstream.MemoryStorage))
	return nil
}

func (n *natsBackend) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
	if n.server != nil {
		n.server.Shutdown()
	}
}
