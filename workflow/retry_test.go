package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWithTransientRetry_RetriesOnlyTransient(t *testing.T) {
	calls := 0
	err := WithTransientRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("%w: connection reset", ErrTransientFailure)
	})
	if !errors.Is(err, ErrTransientFailure) {
		t.Fatalf("expected transient failure after exhausting budget, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithTransientRetry_ValidationErrorAbortsImmediately(t *testing.T) {
	calls := 0
	err := WithTransientRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrUnbalanced
	})
	if !errors.Is(err, ErrUnbalanced) {
		t.Fatalf("expected unbalanced error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("validation errors must not be retried, got %d attempts", calls)
	}
}

func TestWithTransientRetry_SucceedsMidway(t *testing.T) {
	calls := 0
	err := WithTransientRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("%w: lock contention", ErrTransientFailure)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on second attempt, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWithTransientRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := WithTransientRetry(ctx, 5, time.Minute, func() error {
		calls++
		return fmt.Errorf("%w: timeout", ErrTransientFailure)
	})
	if !errors.Is(err, ErrTransientFailure) {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancelled context must stop the retry loop, got %d attempts", calls)
	}
}
