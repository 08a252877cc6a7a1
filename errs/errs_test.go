package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTransientWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)

	if !IsTransient(err) {
		t.Error("expected IsTransient to be true")
	}
	if IsFatal(err) {
		t.Error("expected IsFatal to be false")
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
	if err.Error() != "connection reset" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestFatalWrapping(t *testing.T) {
	base := errors.New("bad credentials")
	err := Fatal(base)

	if !IsFatal(err) {
		t.Error("expected IsFatal to be true")
	}
	if IsTransient(err) {
		t.Error("expected IsTransient to be false")
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
}

func TestWrapNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should be nil")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("push failed: %w", Transient(errors.New("lock contention")))
	if !IsTransient(err) {
		t.Error("expected transient classification through fmt.Errorf wrapping")
	}

	err = fmt.Errorf("validation: %w", Fatal(ErrPermissionDenied))
	if !IsFatal(err) {
		t.Error("expected fatal classification through fmt.Errorf wrapping")
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Error("expected sentinel to survive double wrapping")
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BackoffBase: 0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnFatal(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BackoffBase: 0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return Fatal(errors.New("permanent"))
	}, nil)

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, BackoffBase: 0}

	calls := 0
	base := errors.New("still flaky")
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return Transient(base)
	}, nil)

	if !errors.Is(err, base) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetryCustomClassifier(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BackoffBase: 0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("unclassified")
	}, func(err error) bool { return true })

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 3, BackoffBase: 0}
	err := Retry(ctx, cfg, func() error {
		return Transient(errors.New("flaky"))
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
