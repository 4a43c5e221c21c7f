package persist

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyBackoff(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}

	if !policy.ShouldRetry(errors.New("connection refused"), 1) {
		t.Error("expected connection error to be retryable")
	}
	if policy.ShouldRetry(errors.New("connection refused"), 5) {
		t.Error("should not retry after max attempts")
	}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   10.0,
		MaxDelay:     30 * time.Second,
	}

	delay := policy.NextDelay(5)
	if delay > policy.MaxDelay {
		t.Errorf("delay %v exceeds max delay %v", delay, policy.MaxDelay)
	}
}

func TestRetryPolicyDoSuccess(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyDoNonRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()
	calls := 0

	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("duplicate event")
	})

	if err == nil {
		t.Error("expected error for non-retryable failure")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestRetryPolicyDoAllFail(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})

	if err == nil {
		t.Error("expected error after all attempts exhausted")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyDoStopsOnCancel(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("connection refused")
		})
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected last error on cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
