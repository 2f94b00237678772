// Package retry implements the in-process retry helper shared by the
// ingestion service and the request gateways.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Permanent marks err as not worth retrying; WithRetry returns the wrapped
// error immediately instead of burning the remaining attempts.
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

// Attempt describes one failed attempt, passed to the OnRetry callback
// before the backoff sleep.
type Attempt struct {
	Attempt  int
	Attempts int
	Delay    time.Duration
	Err      error
}

// Options tune WithRetry.
type Options struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the backoff unit. The delay before attempt n+1 is a
	// full-jitter draw from [0, BaseDelay × 2^(n-1)].
	BaseDelay time.Duration

	// MaxDelay caps the jitter window. Zero means no cap.
	MaxDelay time.Duration

	// OnRetry, when set, is invoked after each failed attempt that will
	// be retried.
	OnRetry func(Attempt)
}

// WithRetry runs fn up to opts.Attempts times, sleeping a full-jitter
// exponential backoff between failures. The last error is returned after the
// budget is exhausted. The sleep is cut short by context cancellation.
func WithRetry(ctx context.Context, opts Options, fn func() error) error {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		window := base << (attempt - 1)
		if opts.MaxDelay > 0 && window > opts.MaxDelay {
			window = opts.MaxDelay
		}
		delay := time.Duration(rand.Int64N(int64(window) + 1))

		if opts.OnRetry != nil {
			opts.OnRetry(Attempt{Attempt: attempt, Attempts: attempts, Delay: delay, Err: lastErr})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
