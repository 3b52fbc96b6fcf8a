package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	connectionTimeout = 5 * time.Second
	connectAttempts   = 5
	connectDelay      = 500 * time.Millisecond
	connectMaxDelay   = 5 * time.Second
)

type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the server with bounded retries and opens a JetStream
// context on the connection.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Conn, error) {
	var nc *nats.Conn

	err := retry.Do(
		func() error {
			var err error
			nc, err = nats.Connect(url, nats.Timeout(connectionTimeout), nats.Name("dlq-purge"))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.MaxDelay(connectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Retrying connection to NATS", slog.String("url", url), slog.Uint64("attempt", uint64(n+1)), slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to connect to JetStream: %w", err)
	}

	return &Conn{
		nc: nc,
		js: js,
	}, nil
}

func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains pending acks before closing the connection.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
