package models

import (
	"time"
)

// DeadLetterMessage is a message received from a dead-letter sub-queue. The
// lock token is owned by the receiver until LockedUntil; afterwards the broker
// takes it back and the token is useless.
type DeadLetterMessage struct {
	LockToken             string            `json:"-"`
	MessageID             string            `json:"message_id"`
	SequenceNumber        uint64            `json:"sequence_number"`
	DeliveryCount         int               `json:"delivery_count"`
	DeadLetterReason      string            `json:"dead_letter_reason"`
	DeadLetterDescription string            `json:"dead_letter_description"`
	EnqueuedAt            time.Time         `json:"enqueued_at"`
	Body                  []byte            `json:"body"`
	Properties            map[string]string `json:"properties,omitempty"`
	LockedUntil           time.Time         `json:"-"`
}

// LockExpired reports whether the lock is known to be gone at now. A zero
// LockedUntil means the broker does not report lock deadlines.
func (m DeadLetterMessage) LockExpired(now time.Time) bool {
	return !m.LockedUntil.IsZero() && !now.Before(m.LockedUntil)
}

type Disposition int

const (
	DispositionDiscard Disposition = iota
	DispositionRedrive
	DispositionSkip
)

func (d Disposition) String() string {
	switch d {
	case DispositionDiscard:
		return "discard"
	case DispositionRedrive:
		return "redrive"
	case DispositionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

func ParseDisposition(s string) (Disposition, bool) {
	switch s {
	case "discard":
		return DispositionDiscard, true
	case "redrive":
		return DispositionRedrive, true
	case "skip":
		return DispositionSkip, true
	default:
		return DispositionSkip, false
	}
}
