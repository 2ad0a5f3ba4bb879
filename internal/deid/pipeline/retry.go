package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/storage"
)

// RetryPolicy bounds how often a transient operation is attempted and how
// long to wait between attempts. The delay is fixed.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy returns 3 attempts, one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: time.Second}
}

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retryable reports whether err may succeed on a later attempt. Malformed
// input and misconfigured locations never will.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, fhir.ErrInvalidBundle),
		errors.Is(err, storage.ErrInvalidLocation),
		errors.Is(err, storage.ErrNoBackend),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. onRetry, if set, is called before each wait
// with the attempt that just failed.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
}
