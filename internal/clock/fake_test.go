package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	var fired []string

	clk.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clk.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	clk.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, 1, clk.Pending())

	clk.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, time.Unix(3, 0), clk.Now())
}

func TestFakeRescheduledCallbacksFireWithinWindow(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clk.AfterFunc(time.Second, tick)
	}
	clk.AfterFunc(time.Second, tick)

	clk.Advance(5 * time.Second)
	require.Equal(t, 5, count)
}

func TestFakeStopPreventsFire(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	clk.Advance(2 * time.Second)
	require.False(t, fired)
}

func TestFakeSleepWakesOnAdvance(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() {
		done <- clk.Sleep(context.Background(), time.Second)
	}()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return after advance")
	}
}

func TestFakeSleepHonoursContext(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := clk.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, clk.Pending())
}

func TestFakeAutoAdvance(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	clk.SetAutoAdvance(true)

	require.NoError(t, clk.Sleep(context.Background(), 300*time.Millisecond))
	require.NoError(t, clk.Sleep(context.Background(), time.Second))
	require.Equal(t, time.Unix(0, 0).Add(1300*time.Millisecond), clk.Now())
	require.Equal(t, []time.Duration{300 * time.Millisecond, time.Second}, clk.Slept())
}
