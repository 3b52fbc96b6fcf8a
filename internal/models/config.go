package models

import (
	"fmt"
	"time"
)

const (
	DefaultMaxMessagesPerEntity = 1000
	DefaultConcurrencyLimit     = 1
	DefaultReceiveBatchSize     = 32
	DefaultReceiveWait          = 5 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 200 * time.Millisecond
	DefaultRetryMaxDelay        = 5 * time.Second
)

// RunConfig holds the knobs of a single reconciliation run.
type RunConfig struct {
	Scope                Scope
	MaxMessagesPerEntity int
	ConcurrencyLimit     int
	DryRun               bool
	ReceiveBatchSize     int
	ReceiveWait          time.Duration
	RetryAttempts        uint
	RetryDelay           time.Duration
	RetryMaxDelay        time.Duration
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxMessagesPerEntity: DefaultMaxMessagesPerEntity,
		ConcurrencyLimit:     DefaultConcurrencyLimit,
		ReceiveBatchSize:     DefaultReceiveBatchSize,
		ReceiveWait:          DefaultReceiveWait,
		RetryAttempts:        DefaultRetryAttempts,
		RetryDelay:           DefaultRetryDelay,
		RetryMaxDelay:        DefaultRetryMaxDelay,
	}
}

func (c RunConfig) Validate() error {
	if c.MaxMessagesPerEntity <= 0 {
		return fmt.Errorf("%w: max messages per entity must be positive, got %d", ErrInvalidConfig, c.MaxMessagesPerEntity)
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("%w: concurrency limit must be positive, got %d", ErrInvalidConfig, c.ConcurrencyLimit)
	}
	if c.ReceiveBatchSize <= 0 {
		return fmt.Errorf("%w: receive batch size must be positive, got %d", ErrInvalidConfig, c.ReceiveBatchSize)
	}
	if c.ReceiveWait <= 0 {
		return fmt.Errorf("%w: receive wait must be positive, got %s", ErrInvalidConfig, c.ReceiveWait)
	}
	if c.RetryAttempts == 0 {
		return fmt.Errorf("%w: retry attempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}
