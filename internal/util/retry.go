package util

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy describes a bounded retry schedule with exponential backoff.
//
// Attempt n (1-based) that fails is followed by a wait of
// BaseDelay * Multiplier^(n-1), capped at MaxDelay. No wait follows the
// final attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s backoff (capped at 8s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Multiplier:  2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that RetryWithPolicy stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryWithPolicy calls fn until it succeeds, the policy is exhausted, the
// error is permanent, or ctx is done. onRetry, if set, runs before each
// backoff wait with the failed attempt number and its error.
// The returned int is the number of attempts made.
func RetryWithPolicy[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn func(context.Context) (T, error),
	onRetry func(attempt int, err error),
) (T, int, error) {
	var zero T
	var lastErr error
	maxAttempts := policy.attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, attempt - 1, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, attempt, err
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, attempt, perm.err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := Sleep(ctx, policy.Backoff(attempt)); err != nil {
			return zero, attempt, err
		}
	}
	return zero, maxAttempts, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn up to maxTries times until it returns a nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// RetryErrWithContext calls fn up to maxTries times without backoff, stopping
// early when ctx is done.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	_, _, err := RetryWithPolicy(ctx, RetryPolicy{MaxAttempts: maxTries}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}
