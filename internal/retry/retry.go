// Package retry provides the higher-order retry helper used around HTTP,
// OCR and other flaky calls. Backoff is deterministic; retry counts and
// delays are chosen by the call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BackoffFunc maps a zero-based attempt index to the delay slept before
// the next attempt.
type BackoffFunc func(attempt int) time.Duration

// Fixed returns the same delay for every attempt.
func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Exponential doubles the base delay on every attempt: base × 2^attempt.
func Exponential(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so Do returns it immediately without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do runs op up to attempts times, sleeping per backoff between failed
// attempts. It stops early on success, on context cancellation, or when
// op returns an error wrapped by Stop. The exhaustion error wraps the
// last attempt's error.
func Do(ctx context.Context, attempts int, backoff BackoffFunc, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, attempts, backoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, attempts int, backoff BackoffFunc, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	if backoff == nil {
		backoff = Fixed(0)
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return zero, stop.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err

		if attempt < attempts-1 {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return zero, err
			}
		}
	}
	return zero, fmt.Errorf("%d attempts exhausted: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
