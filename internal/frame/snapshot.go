package frame

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/logging"
)

// MaxSnapshotSize bounds a single camera snapshot.
const MaxSnapshotSize = 8 << 20

// Transform post-processes a captured frame, e.g. to crop the face region.
type Transform func(Frame) (Frame, error)

// SnapshotCamera is a Source backed by an IP camera exposing a JPEG snapshot URL.
type SnapshotCamera struct {
	URL       string
	Client    *http.Client
	Transform Transform
	Now       func() time.Time
	logger    *zap.Logger
}

// NewSnapshotCamera builds a camera source for the given snapshot URL.
func NewSnapshotCamera(url string, client *http.Client, logger *zap.Logger) *SnapshotCamera {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SnapshotCamera{
		URL:    url,
		Client: client,
		Now:    time.Now,
		logger: logger.Named("camera"),
	}
}

// WithTransform returns a copy of the camera that applies t to every frame.
func (c *SnapshotCamera) WithTransform(t Transform) *SnapshotCamera {
	clone := *c
	clone.Transform = t
	return &clone
}

// Acquire fetches one snapshot so an unusable camera fails up front.
func (c *SnapshotCamera) Acquire(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, &ResourceUnavailableError{Device: c.URL, Reason: ReasonNotFound, Err: err}
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		c.logger.Warn("camera check failed", zap.String("url", c.URL), zap.Error(err))
		return nil, &ResourceUnavailableError{Device: c.URL, Reason: ReasonUnreachable, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxSnapshotSize))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ResourceUnavailableError{Device: c.URL, Reason: ReasonDenied, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ResourceUnavailableError{Device: c.URL, Reason: ReasonNotFound, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, &ResourceUnavailableError{Device: c.URL, Reason: ReasonUnreachable, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return &snapshotStream{camera: c}, nil
}

type snapshotStream struct {
	camera *SnapshotCamera

	mu       sync.Mutex
	released bool
}

func (s *snapshotStream) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return Frame{}, ErrStreamReleased
	}

	c := s.camera
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Frame{}, logging.NewOperationError("camera.capture", "", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return Frame{}, logging.NewOperationError("camera.capture", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, logging.NewOperationError("camera.capture", "", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSnapshotSize))
	if err != nil {
		return Frame{}, logging.NewOperationError("camera.capture", "", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	f := Frame{Data: data, ContentType: contentType, CapturedAt: c.Now()}
	if c.Transform != nil {
		return c.Transform(f)
	}
	return f, nil
}

func (s *snapshotStream) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

// Transformed wraps src so every captured frame passes through t. Acquisition
// and release are delegated unchanged, so an Exclusive source stays exclusive.
func Transformed(src Source, t Transform) Source {
	if t == nil {
		return src
	}
	return &transformedSource{src: src, transform: t}
}

type transformedSource struct {
	src       Source
	transform Transform
}

func (s *transformedSource) Acquire(ctx context.Context) (Stream, error) {
	inner, err := s.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &transformedStream{inner: inner, transform: s.transform}, nil
}

type transformedStream struct {
	inner     Stream
	transform Transform
}

func (s *transformedStream) Capture(ctx context.Context) (Frame, error) {
	f, err := s.inner.Capture(ctx)
	if err != nil {
		return Frame{}, err
	}
	return s.transform(f)
}

func (s *transformedStream) Release() error {
	return s.inner.Release()
}
