package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultBaseBackoff is the delay before the first retry. Each further retry
// doubles it.
const DefaultBaseBackoff = 500 * time.Millisecond

// Permanent marks err as non-retriable for Retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls fn up to 1+retries times with exponential backoff starting at
// base. It stops early on success, on context cancellation, or when fn
// returns an error wrapped by Permanent. name prefixes returned errors.
func Retry(ctx context.Context, name string, retries int, base time.Duration, fn func(ctx context.Context) error) error {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	attempts := 1 + retries

	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * base
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("%s: non-retriable error: %w", name, perm.err)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
