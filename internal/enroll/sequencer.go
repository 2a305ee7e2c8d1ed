package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/clock"
	"github.com/REFLX0/RAM/internal/frame"
)

var (
	// ErrSequencerBusy is returned when Run is called while a run is active.
	ErrSequencerBusy = errors.New("capture sequence already running")
	// ErrRetriesExhausted is returned when an angle keeps failing the quality check.
	ErrRetriesExhausted = errors.New("capture retries exhausted")
)

// CaptureFunc grabs one frame from the camera.
type CaptureFunc func(ctx context.Context) (frame.Frame, error)

// QualityFunc accepts or rejects a captured frame.
type QualityFunc func(frame.Frame) bool

// Prompter receives the operator guidance emitted during a run.
type Prompter interface {
	Instruct(angle Angle)
	Countdown(angle Angle, remaining int)
	Captured(angle Angle)
	Retake(angle Angle, attempt int)
	Done(total int)
}

// NopPrompter discards prompts.
type NopPrompter struct{}

func (NopPrompter) Instruct(Angle) {}
func (NopPrompter) Countdown(Angle, int) {}
func (NopPrompter) Captured(Angle) {}
func (NopPrompter) Retake(Angle, int) {}
func (NopPrompter) Done(int) {}

// LogPrompter writes prompts to a logger, for headless kiosks.
type LogPrompter struct {
	Logger *zap.Logger
}

func (p LogPrompter) Instruct(a Angle) {
	p.Logger.Info("enrollment instruction", zap.String("angle", a.ID), zap.String("instruction", a.Instruction))
}

func (p LogPrompter) Countdown(a Angle, remaining int) {
	p.Logger.Debug("enrollment countdown", zap.String("angle", a.ID), zap.Int("remaining", remaining))
}

func (p LogPrompter) Captured(a Angle) {
	p.Logger.Info("enrollment angle captured", zap.String("angle", a.ID))
}

func (p LogPrompter) Retake(a Angle, attempt int) {
	p.Logger.Warn("poor quality, retaking angle", zap.String("angle", a.ID), zap.Int("attempt", attempt))
}

func (p LogPrompter) Done(total int) {
	p.Logger.Info("all angles captured", zap.Int("angles", total))
}

// Sequencer runs the guided multi-angle capture.
type Sequencer struct {
	clock        clock.Clock
	prompter     Prompter
	logger       *zap.Logger
	countdown    int
	step         time.Duration
	settle       time.Duration
	confirmPause time.Duration
	maxRetries   int

	running atomic.Bool
}

// Option customises a Sequencer.
type Option func(*Sequencer)

func WithClock(c clock.Clock) Option { return func(s *Sequencer) { s.clock = c } }
func WithPrompter(p Prompter) Option { return func(s *Sequencer) { s.prompter = p } }
func WithLogger(l *zap.Logger) Option { return func(s *Sequencer) { s.logger = l } }
func WithMaxRetriesPerAngle(n int) Option { return func(s *Sequencer) { s.maxRetries = n } }
func WithCountdown(steps int, step time.Duration) Option {
	return func(s *Sequencer) {
		s.countdown = steps
		s.step = step
	}
}

// NewSequencer returns a sequencer with a 3 step, 1 second countdown, a 300ms
// settle before the shot, an 800ms confirmation pause and at most 5 retakes
// per angle. A retry limit of 0 retries forever.
func NewSequencer(opts ...Option) *Sequencer {
	s := &Sequencer{
		clock:        clock.Real(),
		prompter:     NopPrompter{},
		logger:       zap.NewNop(),
		countdown:    3,
		step:         time.Second,
		settle:       300 * time.Millisecond,
		confirmPause: 800 * time.Millisecond,
		maxRetries:   5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run captures one accepted frame per angle, in order. A frame rejected by
// quality (or a failed capture) is discarded and the same angle retaken.
func (s *Sequencer) Run(ctx context.Context, angles []Angle, capture CaptureFunc, quality QualityFunc) (*Capture, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSequencerBusy
	}
	defer s.running.Store(false)

	result := &Capture{Shots: make([]Shot, 0, len(angles))}
	for _, angle := range angles {
		shot, err := s.captureAngle(ctx, angle, capture, quality)
		if err != nil {
			return nil, err
		}
		result.Shots = append(result.Shots, shot)
		s.prompter.Captured(angle)
		if err := s.clock.Sleep(ctx, s.confirmPause); err != nil {
			return nil, err
		}
	}
	s.prompter.Done(len(result.Shots))
	return result, nil
}

func (s *Sequencer) captureAngle(ctx context.Context, angle Angle, capture CaptureFunc, quality QualityFunc) (Shot, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if s.maxRetries > 0 && attempt > s.maxRetries {
				return Shot{}, fmt.Errorf("angle %q: %w after %d attempts", angle.ID, ErrRetriesExhausted, attempt)
			}
			s.prompter.Retake(angle, attempt)
		}

		s.prompter.Instruct(angle)
		for remaining := s.countdown; remaining >= 1; remaining-- {
			s.prompter.Countdown(angle, remaining)
			if err := s.clock.Sleep(ctx, s.step); err != nil {
				return Shot{}, err
			}
		}
		if err := s.clock.Sleep(ctx, s.settle); err != nil {
			return Shot{}, err
		}

		f, err := capture(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Shot{}, ctxErr
			}
			s.logger.Warn("capture failed", zap.String("angle", angle.ID), zap.Error(err))
			continue
		}
		if !quality(f) {
			s.logger.Info("capture rejected by quality check", zap.String("angle", angle.ID), zap.Int("bytes", f.Len()))
			continue
		}
		return Shot{Angle: angle, Frame: f}, nil
	}
}
