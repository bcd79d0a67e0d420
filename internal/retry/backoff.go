// Package retry provides a bounded retry loop with configurable delays for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned, wrapping the last error, when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration

	// Retryable reports whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// BeforeRetry runs after a retryable failure and before the delay. A
	// non-nil return stops the loop and is returned as is.
	BeforeRetry func(ctx context.Context, attempt int, err error) error

	// Sleep waits for d. Nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c Config) delay(retry int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	if retry > len(c.Delays) {
		return c.Delays[len(c.Delays)-1] // Use last delay if we run out
	}
	return c.Delays[retry-1]
}

// WithRetry executes fn up to MaxAttempts times. fn receives the zero-based
// attempt number. Non-retryable errors are returned immediately; after the
// last attempt the error is wrapped with ErrExhausted.
func WithRetry(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt+1 >= cfg.MaxAttempts {
			return fmt.Errorf("%w: failed after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, err)
		}

		if cfg.BeforeRetry != nil {
			if stop := cfg.BeforeRetry(ctx, attempt+1, err); stop != nil {
				return stop
			}
		}

		if err := sleep(ctx, cfg.delay(attempt+1)); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}
