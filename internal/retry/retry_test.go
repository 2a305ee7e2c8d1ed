package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newTestPolicy(attempts int) Policy {
	return Policy{
		Logger:         zap.NewNop(),
		Backend:        "database",
		Attempts:       attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := newTestPolicy(3).Do(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoReturnsOperationError(t *testing.T) {
	attempts := 0
	err := newTestPolicy(2).Do(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestDoGivesUpAfterLastAttempt(t *testing.T) {
	attempts := 0
	err := newTestPolicy(3).Do(context.Background(), "test.operation", "", func() error {
		attempts++
		return transientTestError{}
	})

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	var transient transientTestError
	if !errors.As(err, &transient) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
}

func TestDoRunsOnceWithoutAttempts(t *testing.T) {
	attempts := 0
	err := Policy{}.Do(context.Background(), "test.operation", "", func() error {
		attempts++
		return transientTestError{}
	})

	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	p := newTestPolicy(5)
	p.InitialBackoff = time.Hour
	p.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := p.Do(ctx, "test.operation", "", func() error {
		attempts++
		cancel()
		return transientTestError{}
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(transientTestError{}) {
		t.Fatal("timeout error should be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline should be transient")
	}
	if IsTransient(errors.New("constraint violation")) {
		t.Fatal("plain error should not be transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
}
