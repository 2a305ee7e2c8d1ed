package enroll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/REFLX0/RAM/internal/clock"
	"github.com/REFLX0/RAM/internal/frame"
)

type recordingPrompter struct {
	events []string
}

func (p *recordingPrompter) Instruct(a Angle) { p.events = append(p.events, "instruct:"+a.ID) }
func (p *recordingPrompter) Countdown(a Angle, n int) {}
func (p *recordingPrompter) Captured(a Angle) { p.events = append(p.events, "captured:"+a.ID) }
func (p *recordingPrompter) Retake(a Angle, n int) { p.events = append(p.events, "retake:"+a.ID) }
func (p *recordingPrompter) Done(total int) { p.events = append(p.events, "done") }

// scriptedCamera returns frames tagged with the capture number so tests can
// tell which attempt produced an accepted frame.
type scriptedCamera struct {
	calls int
}

func (c *scriptedCamera) capture(ctx context.Context) (frame.Frame, error) {
	c.calls++
	return frame.Frame{Data: []byte{byte(c.calls)}}, nil
}

func newFakeClock() *clock.Fake {
	clk := clock.NewFake(time.Unix(0, 0))
	clk.SetAutoAdvance(true)
	return clk
}

func TestRunPreservesOrderWhenAngleIsRetaken(t *testing.T) {
	cam := &scriptedCamera{}
	prompter := &recordingPrompter{}
	seq := NewSequencer(WithClock(newFakeClock()), WithPrompter(prompter))

	// captures 3 and 4 are the first two attempts at "right"
	quality := func(f frame.Frame) bool {
		n := f.Data[0]
		return n != 3 && n != 4
	}

	result, err := seq.Run(context.Background(), DefaultAngles(), cam.capture, quality)
	require.NoError(t, err)
	require.Equal(t, []string{"center", "left", "right", "up", "down"}, result.AngleIDs())
	require.Equal(t, byte(5), result.Shots[2].Frame.Data[0])
	require.Equal(t, 7, cam.calls)
	require.NoError(t, result.Validate(DefaultAngles()))

	require.Equal(t, []string{
		"instruct:center", "captured:center",
		"instruct:left", "captured:left",
		"instruct:right", "retake:right", "instruct:right", "retake:right", "instruct:right", "captured:right",
		"instruct:up", "captured:up",
		"instruct:down", "captured:down",
		"done",
	}, prompter.events)

	primary, ok := result.Primary()
	require.True(t, ok)
	require.Equal(t, byte(1), primary.Data[0])
}

func TestRunCountdownTiming(t *testing.T) {
	clk := newFakeClock()
	seq := NewSequencer(WithClock(clk))
	cam := &scriptedCamera{}

	_, err := seq.Run(context.Background(), DefaultAngles()[:1], cam.capture, func(frame.Frame) bool { return true })
	require.NoError(t, err)
	require.Equal(t, []time.Duration{
		time.Second, time.Second, time.Second,
		300 * time.Millisecond,
		800 * time.Millisecond,
	}, clk.Slept())
}

func TestRunStopsAfterRetryLimit(t *testing.T) {
	cam := &scriptedCamera{}
	seq := NewSequencer(WithClock(newFakeClock()), WithMaxRetriesPerAngle(2))

	_, err := seq.Run(context.Background(), DefaultAngles(), cam.capture, func(frame.Frame) bool { return false })
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Contains(t, err.Error(), `"center"`)
	require.Equal(t, 3, cam.calls)
}

func TestRunCaptureErrorsAreRetried(t *testing.T) {
	calls := 0
	capture := func(ctx context.Context) (frame.Frame, error) {
		calls++
		if calls == 1 {
			return frame.Frame{}, errors.New("frame dropped")
		}
		return frame.Frame{Data: []byte("ok")}, nil
	}
	seq := NewSequencer(WithClock(newFakeClock()))

	result, err := seq.Run(context.Background(), DefaultAngles()[:2], capture, func(frame.Frame) bool { return true })
	require.NoError(t, err)
	require.Equal(t, []string{"center", "left"}, result.AngleIDs())
	require.Equal(t, 3, calls)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seq := NewSequencer(WithClock(newFakeClock()))

	_, err := seq.Run(ctx, DefaultAngles(), (&scriptedCamera{}).capture, func(frame.Frame) bool { return true })
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	seq := NewSequencer(WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := seq.Run(ctx, DefaultAngles(), (&scriptedCamera{}).capture, func(frame.Frame) bool { return true })
		done <- err
	}()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := seq.Run(context.Background(), DefaultAngles(), (&scriptedCamera{}).capture, func(frame.Frame) bool { return true })
	require.ErrorIs(t, err, ErrSequencerBusy)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestCaptureValidate(t *testing.T) {
	angles := DefaultAngles()

	var missing *Capture
	require.ErrorIs(t, missing.Validate(angles), ErrValidation)

	swapped := &Capture{}
	for _, a := range angles {
		swapped.Shots = append(swapped.Shots, Shot{Angle: a, Frame: frame.Frame{Data: []byte("x")}})
	}
	swapped.Shots[1], swapped.Shots[2] = swapped.Shots[2], swapped.Shots[1]
	err := swapped.Validate(angles)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "photos", vErr.Field)
}

func TestApplicantValidate(t *testing.T) {
	valid := Applicant{
		FirstName:          "Ana",
		LastName:           "Silva",
		Email:              "ana@example.com",
		MembershipType:     "premium",
		MembershipDuration: 12,
		MembershipPrice:    49.9,
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(a *Applicant){
		"firstName":          func(a *Applicant) { a.FirstName = " " },
		"email":              func(a *Applicant) { a.Email = "not-an-email" },
		"membershipDuration": func(a *Applicant) { a.MembershipDuration = 0 },
		"membershipPrice":    func(a *Applicant) { a.MembershipPrice = -1 },
	}
	for field, mutate := range cases {
		a := valid
		mutate(&a)
		var vErr *ValidationError
		require.ErrorAs(t, a.Validate(), &vErr, field)
		require.Equal(t, field, vErr.Field)
	}
}
