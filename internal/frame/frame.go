package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Frame is one still image sample. It is consumed once and not retained.
type Frame struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Len returns the payload size in bytes.
func (f Frame) Len() int {
	return len(f.Data)
}

// Source hands out exclusive capture streams for a camera.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream captures frames until released.
type Stream interface {
	Capture(ctx context.Context) (Frame, error)
	Release() error
}

var (
	// ErrResourceUnavailable matches every ResourceUnavailableError via errors.Is.
	ErrResourceUnavailable = errors.New("frame source unavailable")
	// ErrStreamReleased is returned by Capture after Release.
	ErrStreamReleased = errors.New("frame stream released")
)

// Reasons reported by ResourceUnavailableError.
const (
	ReasonBusy        = "busy"
	ReasonDenied      = "denied"
	ReasonNotFound    = "not_found"
	ReasonUnreachable = "unreachable"
)

// ResourceUnavailableError reports that a camera could not be acquired.
type ResourceUnavailableError struct {
	Device string
	Reason string
	Err    error
}

func (e *ResourceUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("camera %q unavailable (%s)", e.Device, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, ErrResourceUnavailable) match.
func (e *ResourceUnavailableError) Is(target error) bool {
	return target == ErrResourceUnavailable
}

// Guidance returns operator-facing advice for the failure.
func (e *ResourceUnavailableError) Guidance() string {
	switch e.Reason {
	case ReasonBusy:
		return "Camera is already in use by another session. Stop the scanner or finish the enrollment first."
	case ReasonDenied:
		return "Camera access was denied. Check the camera credentials and permissions."
	case ReasonNotFound:
		return "No camera found at the configured address."
	default:
		return "Camera could not be reached. Check the device and network connection."
	}
}

// Exclusive wraps src so that at most one Stream is held at a time.
func Exclusive(src Source, device string) Source {
	return &exclusiveSource{src: src, device: device}
}

type exclusiveSource struct {
	src    Source
	device string

	mu   sync.Mutex
	held bool
}

func (s *exclusiveSource) Acquire(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	if s.held {
		s.mu.Unlock()
		return nil, &ResourceUnavailableError{Device: s.device, Reason: ReasonBusy}
	}
	s.held = true
	s.mu.Unlock()

	inner, err := s.src.Acquire(ctx)
	if err != nil {
		s.mu.Lock()
		s.held = false
		s.mu.Unlock()
		var unavailable *ResourceUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &ResourceUnavailableError{Device: s.device, Reason: ReasonUnreachable, Err: err}
	}
	return &exclusiveStream{owner: s, inner: inner}, nil
}

type exclusiveStream struct {
	owner *exclusiveSource
	inner Stream

	mu       sync.Mutex
	released bool
}

func (s *exclusiveStream) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return Frame{}, ErrStreamReleased
	}
	return s.inner.Capture(ctx)
}

func (s *exclusiveStream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	err := s.inner.Release()

	s.owner.mu.Lock()
	s.owner.held = false
	s.owner.mu.Unlock()
	return err
}
