package testutils

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// NewTestLogger logs at debug level so per-message decisions show up in
// failing test output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.LevelDebug,
		ReplaceAttr: nil,
	}))
}

func CombineErrors(errs []error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors occurred: %w", err)
	}
	return nil
}

// WaitFor polls cond until it holds or timeout passes. Acks on a real broker
// are applied asynchronously, so depth checks go through here.
func WaitFor(timeout, interval time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}
