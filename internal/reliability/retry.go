package reliability

import (
	"context"
	"errors"
	"time"
)

// DelayFunc returns how long to wait before the given attempt. Attempt 1 is the first retry.
type DelayFunc func(attempt int) time.Duration

// Exponential doubles the delay on every attempt starting at initial, capped at max.
// Delays are strictly increasing until the cap is reached.
func Exponential(initial, max time.Duration) DelayFunc {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}

	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return initial
		}

		shift := attempt - 1
		// beyond this the shift overflows int64
		if shift >= 62 {
			return max
		}
		delay := initial << shift
		if delay <= 0 || delay > max {
			return max
		}
		return delay
	}
}

// Fixed always waits d
func Fixed(d time.Duration) DelayFunc {
	return func(int) time.Duration {
		return d
	}
}

// RetryPolicy bounds in-process retries
type RetryPolicy struct {
	MaxAttempts int
	Delay       DelayFunc
}

// DefaultRetryPolicy returns 5 attempts with exponential delays from 100ms to 10s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delay:       Exponential(100*time.Millisecond, 10*time.Second),
	}
}

// Retry calls fn until it succeeds, returns a permanent error, or the attempts run out
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Delay == nil {
		policy.Delay = Fixed(0)
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return &RetryError{
		Op:          op,
		Attempts:    policy.MaxAttempts,
		MaxAttempts: policy.MaxAttempts,
		LastError:   lastErr,
		Duration:    time.Since(start),
	}
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }
func (p permanentError) Is(target error) bool {
	return target == ErrNonRetryable
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsRetryableError reports whether err should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}

	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		return cbErr.State != StateOpen || time.Now().After(cbErr.NextRetry)
	}

	return true
}
