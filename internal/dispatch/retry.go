package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"execengine/internal/model"
)

// RetryPolicy decides how often and how far apart a failed call is retried.
// It knows nothing about orders.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	// Retryable reports whether err may succeed on a later attempt.
	// Nil means IsTransient.
	Retryable func(err error) bool
}

// DefaultRetryPolicy retries transient failures four times, starting at
// 200ms and capping at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
	}
}

// IsTransient reports whether err is a network, timeout or 5xx class failure.
func IsTransient(err error) bool {
	return errors.Is(err, model.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// Ceiling is the upper bound of the backoff before the given retry (1-based).
func (p RetryPolicy) Ceiling(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(retry-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Backoff returns a full-jitter delay in [0, Ceiling(retry)].
func (p RetryPolicy) Backoff(retry int) time.Duration {
	c := p.Ceiling(retry)
	if c <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(c) + 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
