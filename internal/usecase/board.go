package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/logging"
	"github.com/REFLX0/RAM/internal/repository"
	"github.com/REFLX0/RAM/internal/retry"
	"github.com/REFLX0/RAM/internal/session"
)

const boardQueueSize = 64

// StatusBoard observes the scanner. It mirrors every status to Redis for
// secondary displays and journals each verification outcome. Observer
// callbacks only enqueue; a single worker does the I/O in order.
type StatusBoard struct {
	cache   Cache
	journal Journal
	logger  *zap.Logger
	retry   retry.Policy
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan session.Status
	wg     sync.WaitGroup
}

// NewStatusBoard builds a board. Call Run to start the worker.
func NewStatusBoard(cache Cache, journal Journal, logger *zap.Logger) *StatusBoard {
	logger = logger.Named("status_board")
	return &StatusBoard{
		cache:   cache,
		journal: journal,
		logger:  logger,
		retry:   retry.Default(logger, "redis"),
		timeout: 5 * time.Second,
		queue:   make(chan session.Status, boardQueueSize),
	}
}

// Run starts the worker. It exits when Close is called.
func (b *StatusBoard) Run() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for st := range b.queue {
			b.handle(st)
		}
	}()
}

// Close drains queued statuses and stops the worker.
func (b *StatusBoard) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// StatusChanged implements session.Observer.
func (b *StatusBoard) StatusChanged(st session.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- st:
	default:
		b.logger.Warn("status board queue full, dropping status", zap.Uint64("seq", st.Seq), zap.String("kind", string(st.Kind)))
	}
}

// TickFailed implements session.Observer.
func (b *StatusBoard) TickFailed(sessionID string, err error) {
	logging.WithSession(b.logger, sessionID).Debug("scanner tick failed", zap.Error(err))
}

func (b *StatusBoard) handle(st session.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	requestID := ""
	if st.Outcome != nil {
		requestID = st.Outcome.RequestID
	}
	opLogger := logging.WithOperation(logging.WithSession(b.logger, st.SessionID), "board.publish", requestID)

	serialized, err := json.Marshal(st)
	if err != nil {
		opLogger.Error("failed to serialize status", zap.Error(err))
	} else if err := b.retry.Do(ctx, "cache.set.status", requestID, func() error {
		return b.cache.Set(ctx, statusKey, string(serialized), 0)
	}); err != nil {
		opLogger.Warn("failed to mirror status", zap.Error(err))
	}

	if event := eventFromStatus(st); event != nil {
		if err := b.journal.SaveEvent(ctx, event); err != nil {
			opLogger.Error("failed to journal access event", zap.Error(err))
		}
	}
}

// eventFromStatus maps an outcome-bearing status to a journal entry.
func eventFromStatus(st session.Status) *repository.AccessEvent {
	o := st.Outcome
	if o == nil {
		return nil
	}
	event := &repository.AccessEvent{
		SessionID:  st.SessionID,
		RequestID:  o.RequestID,
		Status:     string(o.Classification()),
		Confidence: o.Confidence,
		LatencyMs:  o.Latency.Milliseconds(),
		CreatedAt:  st.At.UTC(),
	}
	if o.Subject != nil {
		event.SubjectID = o.Subject.ID
		event.SubjectName = o.Subject.DisplayName()
	}
	switch {
	case o.Message != "":
		event.Message = o.Message
	case o.ErrorDetail != "":
		event.Message = o.ErrorDetail
	default:
		event.Message = st.Title
	}
	return event
}
