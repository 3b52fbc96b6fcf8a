package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// mapError sorts NATS errors into the broker taxonomy. Anything it does not
// recognise is treated as transient.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, jetstream.ErrStreamNotFound),
		errors.Is(err, jetstream.ErrConsumerNotFound),
		errors.Is(err, jetstream.ErrNoStreamResponse):
		return fmt.Errorf("%s: %w: %w: %w", op, models.ErrFatalBroker, models.ErrEntityNotFound, err)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		return fmt.Errorf("%s: %w: %w", op, models.ErrFatalBroker, err)
	case errors.Is(err, jetstream.ErrMsgAlreadyAckd):
		return fmt.Errorf("%s: %w: %w", op, models.ErrInvalidLockState, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, models.ErrTransientBroker, err)
	}
}
