package policy

import (
	"fmt"
	"reflect"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

// Env is what an expression policy can see of a message.
type Env struct {
	MessageID     string            `expr:"messageId"`
	DeliveryCount int               `expr:"deliveryCount"`
	Reason        string            `expr:"reason"`
	Description   string            `expr:"description"`
	AgeSeconds    float64           `expr:"ageSeconds"`
	Body          string            `expr:"body"`
	Properties    map[string]string `expr:"properties"`
}

// Expression evaluates an expr program that yields "discard", "redrive" or
// "skip". A program that fails or yields anything else leaves the message in
// place.
//
// Message age is measured against a fixed reference time so that the same
// message always gets the same verdict within a run.
type Expression struct {
	source    string
	program   *vm.Program
	reference time.Time
}

func NewExpression(source string, reference time.Time) (*Expression, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: empty policy expression", models.ErrInvalidConfig)
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsKind(reflect.String))
	if err != nil {
		return nil, fmt.Errorf("%w: compile policy expression: %w", models.ErrInvalidConfig, err)
	}

	return &Expression{
		source:    source,
		program:   program,
		reference: reference,
	}, nil
}

func (p *Expression) Decide(msg models.DeadLetterMessage) models.Disposition {
	env := Env{
		MessageID:     msg.MessageID,
		DeliveryCount: msg.DeliveryCount,
		Reason:        msg.DeadLetterReason,
		Description:   msg.DeadLetterDescription,
		Body:          string(msg.Body),
		Properties:    msg.Properties,
	}
	if !msg.EnqueuedAt.IsZero() {
		env.AgeSeconds = p.reference.Sub(msg.EnqueuedAt).Seconds()
	}

	result, err := expr.Run(p.program, env)
	if err != nil {
		return models.DispositionSkip
	}

	verdict, ok := result.(string)
	if !ok {
		return models.DispositionSkip
	}

	disposition, _ := models.ParseDisposition(verdict)
	return disposition
}

func (p *Expression) Name() string {
	return "expression"
}

func (p *Expression) String() string {
	return p.source
}
