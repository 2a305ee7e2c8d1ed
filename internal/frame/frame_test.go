package frame

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	acquireErr error
	acquired   int
	released   int
}

func (s *stubSource) Acquire(ctx context.Context) (Stream, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	s.acquired++
	return &stubStream{src: s}, nil
}

type stubStream struct {
	src *stubSource
}

func (s *stubStream) Capture(ctx context.Context) (Frame, error) {
	return Frame{Data: []byte("frame")}, nil
}

func (s *stubStream) Release() error {
	s.src.released++
	return nil
}

func TestExclusiveRejectsSecondHolder(t *testing.T) {
	src := &stubSource{}
	cam := Exclusive(src, "front-door")

	first, err := cam.Acquire(context.Background())
	require.NoError(t, err)

	_, err = cam.Acquire(context.Background())
	require.ErrorIs(t, err, ErrResourceUnavailable)
	var unavailable *ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, ReasonBusy, unavailable.Reason)
	require.Equal(t, "front-door", unavailable.Device)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())
	require.Equal(t, 1, src.released)

	second, err := cam.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestExclusiveCaptureAfterRelease(t *testing.T) {
	cam := Exclusive(&stubSource{}, "cam")
	stream, err := cam.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.Release())

	_, err = stream.Capture(context.Background())
	require.ErrorIs(t, err, ErrStreamReleased)
}

func TestExclusiveWrapsPlainAcquireErrors(t *testing.T) {
	cam := Exclusive(&stubSource{acquireErr: errors.New("usb reset")}, "cam")

	_, err := cam.Acquire(context.Background())
	require.ErrorIs(t, err, ErrResourceUnavailable)
	var unavailable *ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, ReasonUnreachable, unavailable.Reason)

	// a failed acquire must not leave the camera marked as held
	_, err = cam.Acquire(context.Background())
	require.ErrorIs(t, err, ErrResourceUnavailable)
	require.ErrorAs(t, err, &unavailable)
	require.NotEqual(t, ReasonBusy, unavailable.Reason)
}

func TestSnapshotCameraCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	cam := NewSnapshotCamera(srv.URL, srv.Client(), zap.NewNop()).WithTransform(func(f Frame) (Frame, error) {
		f.Data = append([]byte("cropped:"), f.Data...)
		return f, nil
	})

	stream, err := cam.Acquire(context.Background())
	require.NoError(t, err)
	f, err := stream.Capture(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cropped:jpeg-bytes", string(f.Data))
	require.Equal(t, "image/jpeg", f.ContentType)
	require.False(t, f.CapturedAt.IsZero())

	require.NoError(t, stream.Release())
	_, err = stream.Capture(context.Background())
	require.ErrorIs(t, err, ErrStreamReleased)
}

func TestSnapshotCameraAcquireClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		reason string
	}{
		{http.StatusUnauthorized, ReasonDenied},
		{http.StatusForbidden, ReasonDenied},
		{http.StatusNotFound, ReasonNotFound},
		{http.StatusInternalServerError, ReasonUnreachable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		cam := NewSnapshotCamera(srv.URL, srv.Client(), zap.NewNop())
		_, err := cam.Acquire(context.Background())
		srv.Close()

		var unavailable *ResourceUnavailableError
		require.ErrorAs(t, err, &unavailable, "status %d", tc.status)
		require.Equal(t, tc.reason, unavailable.Reason, "status %d", tc.status)
		require.NotEmpty(t, unavailable.Guidance())
	}
}

func TestTransformedSharesExclusiveHold(t *testing.T) {
	src := &stubSource{}
	raw := Exclusive(src, "cam")
	cropped := Transformed(raw, func(f Frame) (Frame, error) {
		f.Data = append([]byte("crop:"), f.Data...)
		return f, nil
	})

	stream, err := cropped.Acquire(context.Background())
	require.NoError(t, err)
	f, err := stream.Capture(context.Background())
	require.NoError(t, err)
	require.Equal(t, "crop:frame", string(f.Data))

	_, err = raw.Acquire(context.Background())
	require.ErrorIs(t, err, ErrResourceUnavailable)

	require.NoError(t, stream.Release())
	require.Equal(t, 1, src.released)

	again, err := raw.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestTransformedPropagatesTransformError(t *testing.T) {
	boom := errors.New("no face")
	cam := Transformed(&stubSource{}, func(Frame) (Frame, error) { return Frame{}, boom })

	stream, err := cam.Acquire(context.Background())
	require.NoError(t, err)
	defer stream.Release()

	_, err = stream.Capture(context.Background())
	require.ErrorIs(t, err, boom)
}
