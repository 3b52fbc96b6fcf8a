package broker

import (
	"context"
	"time"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

type QueueInfo struct {
	Name                   string
	DeadLetterMessageCount int64
}

type TopicInfo struct {
	Name string
}

type SubscriptionInfo struct {
	Name                   string
	DeadLetterMessageCount int64
}

//go:generate mockgen -destination ./mocks/broker_mock.go -package mocks . ControlPlane,DataPlane

// ControlPlane enumerates entities and their dead-letter depth.
type ControlPlane interface {
	ListQueues(ctx context.Context, scope models.Scope) ([]QueueInfo, error)
	ListTopics(ctx context.Context, scope models.Scope) ([]TopicInfo, error)
	ListSubscriptions(ctx context.Context, scope models.Scope, topic string) ([]SubscriptionInfo, error)
}

// DataPlane moves messages. Every call is a blocking network operation.
//
// Receive returns at most max messages, waiting up to wait for the first one;
// an empty slice with a nil error means the address is empty. Complete removes
// a received message, Abandon hands it back to the broker. Both resolve the
// lock token, which must not be used again afterwards.
type DataPlane interface {
	Receive(ctx context.Context, address string, max int, wait time.Duration) ([]models.DeadLetterMessage, error)
	Complete(ctx context.Context, msg models.DeadLetterMessage) error
	Abandon(ctx context.Context, msg models.DeadLetterMessage) error
	Send(ctx context.Context, address string, msg models.DeadLetterMessage) error
}

// Broker is a pre-authorized handle to both planes.
type Broker interface {
	ControlPlane
	DataPlane
}
