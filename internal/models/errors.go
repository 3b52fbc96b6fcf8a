package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound   = fmt.Errorf("entity not found")
	ErrInvalidLockState = fmt.Errorf("invalid lock state")
	ErrLockExpired      = fmt.Errorf("lock expired")
	ErrTransientBroker  = fmt.Errorf("transient broker error")
	ErrFatalBroker      = fmt.Errorf("fatal broker error")
	ErrInvalidTarget    = fmt.Errorf("invalid target")
	ErrInvalidConfig    = fmt.Errorf("invalid config")
	ErrArchive          = fmt.Errorf("archive failed")
	ErrRedriveSend      = fmt.Errorf("redrive send failed")
)

type ErrorCategory string

const (
	CategoryEntityNotFound   ErrorCategory = "entity_not_found"
	CategoryInvalidLockState ErrorCategory = "invalid_lock_state"
	CategoryLockExpired      ErrorCategory = "lock_expired"
	CategoryTransientBroker  ErrorCategory = "transient_broker"
	CategoryFatalBroker      ErrorCategory = "fatal_broker"
	CategoryRedriveFailed    ErrorCategory = "redrive_failed"
	CategoryArchiveFailed    ErrorCategory = "archive_failed"
	CategoryInvalidTarget    ErrorCategory = "invalid_target"
)

// Categorize maps an error onto the failure taxonomy. Anything unrecognised
// is considered transient.
func Categorize(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrEntityNotFound):
		return CategoryEntityNotFound
	case errors.Is(err, ErrInvalidTarget):
		return CategoryInvalidTarget
	case errors.Is(err, ErrInvalidLockState):
		return CategoryInvalidLockState
	case errors.Is(err, ErrLockExpired):
		return CategoryLockExpired
	case errors.Is(err, ErrRedriveSend):
		return CategoryRedriveFailed
	case errors.Is(err, ErrArchive):
		return CategoryArchiveFailed
	case errors.Is(err, ErrFatalBroker):
		return CategoryFatalBroker
	default:
		return CategoryTransientBroker
	}
}

// IsRetryable reports whether retrying the same broker call might succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrFatalBroker),
		errors.Is(err, ErrInvalidLockState),
		errors.Is(err, ErrLockExpired),
		errors.Is(err, ErrEntityNotFound),
		errors.Is(err, ErrInvalidTarget),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
