package unifiedllm

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries int // attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool // scale each delay by a random factor in [0.5, 1.5)
	OnRetry    func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns two retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry number attempt (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, fails with an error that is not
// retryable, or runs out of attempts. A server-requested Retry-After longer
// than MaxDelay ends retrying early.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > 0 {
			if policy.MaxDelay > 0 && e.RetryAfter > policy.MaxDelay {
				return zero, err
			}
			delay = e.RetryAfter
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, newError(KindAborted, "", "cancelled while waiting to retry", ctx.Err())
		case <-timer.C:
		}
	}
}

// RetryMiddleware retries failed completions according to policy. With
// MaxRetries of zero it is a pass-through, so completion errors reach the
// caller on the first failure.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		if policy.MaxRetries <= 0 {
			return next
		}
		return func(ctx context.Context, req Request) (*Response, error) {
			return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
				return next(ctx, req)
			})
		}
	}
}
