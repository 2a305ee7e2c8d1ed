package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/clock"
	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/logging"
	"github.com/REFLX0/RAM/internal/matcher"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is scanning or starting.
	ErrAlreadyRunning = errors.New("scan session already running")
	// ErrStartAborted is returned when Stop interrupts a Start that was
	// still acquiring the frame source.
	ErrStartAborted = errors.New("scan session start aborted")
)

// Config tunes the scan loop.
type Config struct {
	TickPeriod      time.Duration
	ExpiredClear    time.Duration
	DeniedClear     time.Duration
	DeniedLongClear time.Duration
	// RequestTimeout bounds one capture plus verify. Zero disables it.
	RequestTimeout time.Duration
}

// DefaultConfig ticks every second and clears expired notices after 5s,
// short denials after 3s and multi-line denials after 8s.
func DefaultConfig() Config {
	return Config{
		TickPeriod:      time.Second,
		ExpiredClear:    5 * time.Second,
		DeniedClear:     3 * time.Second,
		DeniedLongClear: 8 * time.Second,
		RequestTimeout:  10 * time.Second,
	}
}

// Option customises a Controller.
type Option func(*Controller)

func WithClock(c clock.Clock) Option { return func(ctrl *Controller) { ctrl.clock = c } }

func WithObserver(o Observer) Option { return func(ctrl *Controller) { ctrl.observer = o } }

func WithLogger(l *zap.Logger) Option { return func(ctrl *Controller) { ctrl.logger = l } }

func WithMetrics(m *Metrics) Option { return func(ctrl *Controller) { ctrl.metrics = m } }

func WithConfig(cfg Config) Option { return func(ctrl *Controller) { ctrl.cfg = cfg } }

// Controller drives periodic face verification against a frame source.
//
// At most one capture+verify is outstanding at any time: ticks that fire
// while a request is pending are dropped, not queued. Results that complete
// after Stop (or after a newer Start) are discarded by comparing the session
// epoch captured when the request was issued.
type Controller struct {
	source   frame.Source
	client   matcher.Client
	clock    clock.Clock
	observer Observer
	logger   *zap.Logger
	metrics  *Metrics
	cfg      Config
	newID    func() string

	mu            sync.Mutex
	phase         Phase
	starting      bool
	inFlight      bool
	epoch         uint64
	sessionID     string
	startedAt     time.Time
	stream        frame.Stream
	lastOutcome   *matcher.Outcome
	haltReason    string
	tickTimer     clock.Timer
	clearTimer    clock.Timer
	cancelRequest context.CancelFunc
	statusSeq     uint64
	display       Status

	wg sync.WaitGroup
}

// New builds an idle controller.
func New(source frame.Source, client matcher.Client, opts ...Option) *Controller {
	c := &Controller{
		source:   source,
		client:   client,
		clock:    clock.Real(),
		observer: NopObserver{},
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.cfg.TickPeriod <= 0 {
		c.cfg.TickPeriod = DefaultConfig().TickPeriod
	}
	return c
}

// Start acquires the frame source and begins ticking. It is allowed from
// Idle and Halted only. When the source cannot be acquired the controller
// stays Idle and the ResourceUnavailableError is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.phase == Scanning || c.phase == AwaitingResult {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.starting = true
	startEpoch := c.epoch
	c.mu.Unlock()

	stream, err := c.source.Acquire(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false

	if err != nil {
		c.metrics.Sessions.WithLabelValues("unavailable").Inc()
		c.logger.Warn("frame source unavailable", zap.Error(err))
		var unavailable *frame.ResourceUnavailableError
		if errors.As(err, &unavailable) {
			return err
		}
		return &frame.ResourceUnavailableError{Reason: frame.ReasonUnreachable, Err: err}
	}
	if c.epoch != startEpoch {
		if relErr := stream.Release(); relErr != nil {
			c.logger.Warn("release after aborted start failed", zap.Error(relErr))
		}
		return ErrStartAborted
	}

	// Leaving Halted: drop whatever the previous session owned.
	c.stopTimersLocked()

	c.epoch++
	c.sessionID = c.newID()
	c.startedAt = c.clock.Now()
	c.stream = stream
	c.phase = Scanning
	c.inFlight = false
	c.lastOutcome = nil
	c.haltReason = ""
	c.metrics.Sessions.WithLabelValues("started").Inc()

	logging.WithSession(c.logger, c.sessionID).Info("scan session started", zap.Duration("tick_period", c.cfg.TickPeriod))
	c.publishLocked(StatusReady, TitleReady, []string{"Position your face within the frame"}, nil, 0)
	c.scheduleTickLocked(c.epoch)
	return nil
}

// Stop cancels ticking, abandons any outstanding request and releases the
// frame source. It is idempotent and never blocks on the network.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == Idle {
		// a Start still acquiring sees the epoch change and backs out
		if c.starting {
			c.epoch++
		}
		return
	}

	c.epoch++
	c.stopTimersLocked()
	if c.cancelRequest != nil {
		c.cancelRequest()
		c.cancelRequest = nil
	}
	c.releaseLocked()

	logging.WithSession(c.logger, c.sessionID).Info("scan session stopped", zap.String("phase", c.phase.String()))
	c.phase = Idle
	c.inFlight = false
	c.metrics.InFlight.Set(0)
	c.lastOutcome = nil
	c.haltReason = ""
	c.publishLocked(StatusStopped, TitleStopped, nil, nil, 0)
	c.sessionID = ""
}

// Close stops the controller and waits for a detached request to unwind.
func (c *Controller) Close() {
	c.Stop()
	c.wg.Wait()
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Phase:       c.phase,
		LastOutcome: c.lastOutcome,
		HaltReason:  c.haltReason,
		SessionID:   c.sessionID,
		StartedAt:   c.startedAt,
		Display:     c.display,
	}
	if c.inFlight {
		st.TicksInFlight = 1
	}
	return st
}

func (c *Controller) scheduleTickLocked(epoch uint64) {
	c.tickTimer = c.clock.AfterFunc(c.cfg.TickPeriod, func() { c.tick(epoch) })
}

func (c *Controller) tick(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch || (c.phase != Scanning && c.phase != AwaitingResult) {
		return
	}
	c.scheduleTickLocked(epoch)

	if c.inFlight {
		c.metrics.TicksSkipped.Inc()
		return
	}

	c.metrics.TicksFired.Inc()
	c.metrics.InFlight.Set(1)
	c.inFlight = true
	c.phase = AwaitingResult

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancelRequest = cancel

	stream := c.stream
	c.wg.Add(1)
	go c.verify(ctx, cancel, epoch, stream)
}

func (c *Controller) verify(ctx context.Context, cancel context.CancelFunc, epoch uint64, stream frame.Stream) {
	defer c.wg.Done()
	defer cancel()

	f, err := stream.Capture(ctx)
	if err != nil {
		c.complete(epoch, nil, fmt.Errorf("capture: %w", err), "capture")
		return
	}
	start := c.clock.Now()
	outcome, err := c.client.Verify(ctx, f)
	c.metrics.VerifyLatency.Observe(c.clock.Now().Sub(start).Seconds())
	if err == nil && outcome == nil {
		err = &matcher.ProtocolError{Reason: "empty outcome"}
	}
	c.complete(epoch, outcome, err, "")
}

func (c *Controller) complete(epoch uint64, outcome *matcher.Outcome, err error, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := logging.WithSession(c.logger, c.sessionID)
	if epoch != c.epoch {
		logger.Debug("discarding result from previous session", zap.Error(err))
		return
	}

	c.inFlight = false
	c.cancelRequest = nil
	c.metrics.InFlight.Set(0)

	if err != nil {
		class := stage
		if class == "" {
			class = matcher.ErrorClass(err)
		}
		c.metrics.TickFailures.WithLabelValues(class).Inc()
		logger.Warn("verification tick failed", zap.String("class", class), zap.Error(err))
		c.phase = Scanning
		c.observer.TickFailed(c.sessionID, err)
		return
	}

	c.apply(logger, outcome)
}

func (c *Controller) apply(logger *zap.Logger, o *matcher.Outcome) {
	c.lastOutcome = o
	kind := o.Classification()
	c.metrics.Outcomes.WithLabelValues(string(kind)).Inc()

	fields := []zap.Field{zap.String("classification", string(kind)), zap.Duration("latency", o.Latency)}
	if o.Subject != nil {
		fields = append(fields, zap.String("subject_id", o.Subject.ID))
	}
	if o.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", *o.Confidence))
	}
	logger.Info("verification outcome", fields...)

	switch kind {
	case matcher.Expired:
		c.phase = Scanning
		c.publishLocked(StatusExpired, TitleMembershipEnded, expiredLines(o), o, c.cfg.ExpiredClear)
	case matcher.Granted:
		c.halt("granted")
		c.publishLocked(StatusGranted, grantedTitle(o), grantedLines(o), o, 0)
	default:
		c.phase = Scanning
		clearAfter := c.cfg.DeniedClear
		// error detail is shown but does not extend the display
		if len(o.MessageLines()) > 1 {
			clearAfter = c.cfg.DeniedLongClear
		}
		c.publishLocked(StatusDenied, TitleAccessDenied, deniedLines(o), o, clearAfter)
	}
}

// halt ends scanning in place. The session id and outcome stay visible
// until Stop or the next Start.
func (c *Controller) halt(reason string) {
	c.phase = Halted
	c.haltReason = reason
	c.stopTimersLocked()
	c.releaseLocked()
}

func (c *Controller) stopTimersLocked() {
	if c.tickTimer != nil {
		c.tickTimer.Stop()
		c.tickTimer = nil
	}
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
}

func (c *Controller) releaseLocked() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Release(); err != nil {
		c.logger.Warn("frame source release failed", zap.Error(err))
	}
	c.stream = nil
}

// publishLocked replaces the display. Any pending auto-clear belongs to the
// status being replaced and is cancelled first.
func (c *Controller) publishLocked(kind StatusKind, title string, lines []string, o *matcher.Outcome, clearAfter time.Duration) {
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	c.statusSeq++
	c.display = Status{
		Seq:        c.statusSeq,
		Kind:       kind,
		Title:      title,
		Lines:      lines,
		Outcome:    o,
		SessionID:  c.sessionID,
		At:         c.clock.Now(),
		ClearAfter: clearAfter,
	}
	c.observer.StatusChanged(c.display)

	if clearAfter > 0 {
		epoch, seq := c.epoch, c.statusSeq
		c.clearTimer = c.clock.AfterFunc(clearAfter, func() { c.autoClear(epoch, seq) })
	}
}

func (c *Controller) autoClear(epoch, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A newer status or session owns the display now.
	if epoch != c.epoch || seq != c.statusSeq {
		return
	}
	if c.phase != Scanning && c.phase != AwaitingResult {
		return
	}
	c.clearTimer = nil
	c.publishLocked(StatusReady, TitleReady, []string{"Position your face within the frame"}, nil, 0)
}
