package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRetryable struct {
	retryable bool
}

func (f fakeRetryable) Error() string   { return "fake" }
func (f fakeRetryable) Retryable() bool { return f.retryable }

func TestDoSucceedsEventually(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Options{Attempts: 5, Base: time.Millisecond, Cap: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Options{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatal("want error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Options{Attempts: 5, Base: time.Millisecond, Cap: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return fakeRetryable{retryable: false}
	})
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (should not retry a non-retryable error)", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := Do(ctx, Options{Attempts: 5, Base: time.Millisecond, Cap: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("want error from cancelled context")
	}
	if attempts > 1 {
		t.Errorf("attempts = %d, want at most 1 after cancellation", attempts)
	}
}
