package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/logging"
)

// Policy retries transient failures with exponential backoff. Backend names
// the dependency in log messages ("database", "redis").
type Policy struct {
	Logger         *zap.Logger
	Backend        string
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Default is three attempts starting at 50ms, capped at one second.
func Default(logger *zap.Logger, backend string) Policy {
	return Policy{
		Logger:         logger,
		Backend:        backend,
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Do runs fn until it succeeds, fails permanently or attempts run out. Every
// failure is returned as a logging.OperationError.
func (p Policy) Do(ctx context.Context, operation, requestID string, fn func() error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opLogger := logging.WithOperation(logger, operation, requestID)

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info(p.Backend+" operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !IsTransient(err) || attempt == attempts-1 {
			opLogger.Error(p.Backend+" operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient "+p.Backend+" error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransient reports timeouts and temporary network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
