package nats

import (
	"fmt"
	"strings"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

const (
	DLQSuffix           = "-DLQ"
	failedSubjectSuffix = ".failed"

	// KindMetadataKey marks a stream as a queue, a topic or a dead-letter
	// stream. Streams without it are treated as queues when a matching
	// dead-letter stream exists.
	KindMetadataKey = "dlq-purge.kind"

	kindQueue      = "queue"
	kindTopic      = "topic"
	kindDeadLetter = "dead-letter"

	HeaderReason        = "Dlq-Reason"
	HeaderDescription   = "Dlq-Description"
	HeaderDeliveryCount = "Dlq-Delivery-Count"
	HeaderRedrivenFrom  = "Dlq-Redriven-From"
)

// DLQStreamName returns the dead-letter stream of the entity at path.
// Queues use "<queue>-DLQ", subscriptions "<topic>_<subscription>-DLQ".
func DLQStreamName(path string) string {
	if topic, sub, err := models.SplitSubscriptionPath(path); err == nil {
		return topic + "_" + sub + DLQSuffix
	}
	return path + DLQSuffix
}

// DLQSubject is the subject dead-lettered messages of the entity at path are
// published to.
func DLQSubject(path string) string {
	return DLQStreamName(path) + failedSubjectSuffix
}

// streamForAddress maps a dead-letter address onto its stream.
func streamForAddress(address string) (string, error) {
	path, ok := strings.CutSuffix(address, models.DeadLetterSuffix)
	if !ok || path == "" {
		return "", fmt.Errorf("%w: %w: %q is not a dead-letter address", models.ErrFatalBroker, models.ErrInvalidTarget, address)
	}
	return DLQStreamName(path), nil
}

// subjectForMain maps a queue or topic address onto the subject redriven
// messages are published to. Stream and subject share the entity name.
func subjectForMain(address string) (string, error) {
	if address == "" || strings.HasSuffix(address, models.DeadLetterSuffix) || strings.Contains(address, "/") {
		return "", fmt.Errorf("%w: %w: cannot send to %q", models.ErrFatalBroker, models.ErrInvalidTarget, address)
	}
	return address, nil
}

func inNamespace(stream string, scope models.Scope) bool {
	return scope.Namespace == "" || strings.HasPrefix(stream, scope.Namespace+"_")
}
