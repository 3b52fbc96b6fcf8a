package models

import (
	"time"
)

type StopReason string

const (
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopDrained         StopReason = "drained"
	StopFatal           StopReason = "fatal"
	StopCancelled       StopReason = "cancelled"
	StopCycled          StopReason = "cycled"
)

// Failure is a single error observed during a run, with enough context to be
// reported without the surrounding log lines.
type Failure struct {
	Entity    string        `json:"entity"`
	Category  ErrorCategory `json:"category"`
	MessageID string        `json:"message_id,omitempty"`
	Error     string        `json:"error"`
	At        time.Time     `json:"at"`
}

func NewFailure(entity, messageID string, err error) Failure {
	return Failure{
		Entity:    entity,
		Category:  Categorize(err),
		MessageID: messageID,
		Error:     err.Error(),
		At:        time.Now().UTC(),
	}
}

// DrainOutcome is the per-entity result of a drain.
type DrainOutcome struct {
	Entity            Entity     `json:"entity"`
	MessagesInspected int        `json:"messages_inspected"`
	MessagesRemoved   int        `json:"messages_removed"`
	MessagesRedriven  int        `json:"messages_redriven"`
	MessagesSkipped   int        `json:"messages_skipped"`
	Errors            []Failure  `json:"errors,omitempty"`
	Fatal             bool       `json:"fatal"`
	StopReason        StopReason `json:"stop_reason"`
	Duration          Duration   `json:"duration"`
}

func (o DrainOutcome) Settled() int {
	return o.MessagesRemoved + o.MessagesRedriven + o.MessagesSkipped
}

// Duration marshals as a human readable string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RunReport is the only externally visible artifact of a run.
type RunReport struct {
	RunID                string         `json:"run_id"`
	DryRun               bool           `json:"dry_run"`
	StartedAt            time.Time      `json:"started_at"`
	FinishedAt           time.Time      `json:"finished_at"`
	MaxMessagesPerEntity int            `json:"max_messages_per_entity"`
	Target               string         `json:"target"`
	Outcomes             []DrainOutcome `json:"outcomes"`
	LookupFailures       []Failure      `json:"lookup_failures,omitempty"`
	EntitiesSkipped      []Entity       `json:"entities_skipped,omitempty"`
	Cancelled            bool           `json:"cancelled"`
}

type Totals struct {
	Entities  int `json:"entities"`
	Inspected int `json:"inspected"`
	Removed   int `json:"removed"`
	Redriven  int `json:"redriven"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Fatal     int `json:"fatal"`
}

func (r *RunReport) Totals() Totals {
	t := Totals{Entities: len(r.Outcomes), Errors: len(r.LookupFailures)}
	for _, o := range r.Outcomes {
		t.Inspected += o.MessagesInspected
		t.Removed += o.MessagesRemoved
		t.Redriven += o.MessagesRedriven
		t.Skipped += o.MessagesSkipped
		t.Errors += len(o.Errors)
		if o.Fatal {
			t.Fatal++
		}
	}
	return t
}

// Succeeded is false when any lookup failed, any entity drain hit a fatal
// error or the run was cancelled. Recoverable per-message errors do not fail
// a run.
func (r *RunReport) Succeeded() bool {
	if len(r.LookupFailures) > 0 || r.Cancelled {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Fatal {
			return false
		}
	}
	return true
}

func (r *RunReport) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	return 1
}

// Outcome returns the outcome recorded for path, if any.
func (r *RunReport) Outcome(path string) (DrainOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Entity.Path == path {
			return o, true
		}
	}
	return DrainOutcome{}, false
}
