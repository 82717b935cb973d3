package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"tickvault/internal/model"
)

// RetryPolicy bounds the retry loop for transient provider failures.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Backoff  time.Duration // base delay, doubled each retry
}

// DefaultRetryPolicy mirrors the provider defaults: 3 attempts, 1s base.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: time.Second}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// RetryableStatus reports whether an HTTP status code indicates a
// transient provider condition (rate limiting or server-side failure).
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, 418: // Binance bans with 418
		return true
	}
	return code >= 500
}

// WithRetry runs fn up to policy.Attempts times, backing off exponentially
// with jitter between attempts. Only errors marked Transient are retried;
// anything else propagates immediately. Exhausting the budget wraps the
// last error in model.SourceUnavailableError.
func WithRetry(ctx context.Context, sourceName string, policy RetryPolicy, fn func() error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Backoff << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				return &model.SourceUnavailableError{Source: sourceName, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return fmt.Errorf("%s: %w", sourceName, err)
		}
	}
	return &model.SourceUnavailableError{Source: sourceName, Err: err}
}
