package persist

import (
	"context"
	"math"
	"time"
)

// RetryPolicy controls how transient failures are retried with exponential
// backoff. Only errors Classify marks retryable are retried.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 500ms initial delay, 2x multiplier
// and a 5s cap.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return Classify(err).Retryable
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p *RetryPolicy) delayFor(err error, attempt int) time.Duration {
	delay := p.NextDelay(attempt)
	if hint := Classify(err).Delay; hint > delay {
		delay = hint
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done.
func (p *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		select {
		case <-time.After(p.delayFor(err, attempt)):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}
