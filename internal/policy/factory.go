package policy

import (
	"fmt"
	"time"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

const (
	KindDiscardAll      = "discard-all"
	KindDeliveryCeiling = "delivery-ceiling"
	KindExpression      = "expression"
)

type Config struct {
	Kind             string
	MaxDeliveries    int
	TransientReasons []string
	Expression       string
}

// New builds the policy described by cfg. An empty kind selects DiscardAll.
func New(cfg Config, reference time.Time) (Policy, error) {
	switch cfg.Kind {
	case "", KindDiscardAll:
		return DiscardAll{}, nil
	case KindDeliveryCeiling:
		if cfg.MaxDeliveries <= 0 {
			return nil, fmt.Errorf("%w: delivery ceiling must be positive", models.ErrInvalidConfig)
		}
		return NewDeliveryCeiling(cfg.MaxDeliveries, cfg.TransientReasons...), nil
	case KindExpression:
		return NewExpression(cfg.Expression, reference)
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", models.ErrInvalidConfig, cfg.Kind)
	}
}
