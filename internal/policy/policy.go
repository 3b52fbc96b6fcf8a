package policy

import (
	"strings"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// Policy decides what happens to a dead-lettered message. Implementations
// must be deterministic and must not have side effects; the drainer acts on
// the verdict.
type Policy interface {
	Decide(msg models.DeadLetterMessage) models.Disposition
	Name() string
}

// DiscardAll removes every message it is shown.
type DiscardAll struct{}

func (DiscardAll) Decide(models.DeadLetterMessage) models.Disposition {
	return models.DispositionDiscard
}

func (DiscardAll) Name() string {
	return "discard-all"
}

// DeliveryCeiling redrives messages that failed for a transient reason and
// have been delivered fewer than MaxDeliveries times. Everything else is
// treated as poison and discarded.
type DeliveryCeiling struct {
	MaxDeliveries    int
	TransientReasons []string
}

func NewDeliveryCeiling(maxDeliveries int, transientReasons ...string) DeliveryCeiling {
	return DeliveryCeiling{
		MaxDeliveries:    maxDeliveries,
		TransientReasons: transientReasons,
	}
}

func (p DeliveryCeiling) Decide(msg models.DeadLetterMessage) models.Disposition {
	if msg.DeliveryCount < p.MaxDeliveries && p.isTransient(msg.DeadLetterReason) {
		return models.DispositionRedrive
	}
	return models.DispositionDiscard
}

func (p DeliveryCeiling) isTransient(reason string) bool {
	for _, r := range p.TransientReasons {
		if strings.EqualFold(r, reason) {
			return true
		}
	}
	return false
}

func (p DeliveryCeiling) Name() string {
	return "delivery-ceiling"
}
