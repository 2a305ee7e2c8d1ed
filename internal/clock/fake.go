package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a manually driven Clock. AfterFunc callbacks run synchronously on
// the goroutine calling Advance, in deadline order.
type Fake struct {
	mu          sync.Mutex
	now         time.Time
	nextID      int
	pending     []*fakeTimer
	autoAdvance bool
	slept       []time.Duration
}

type fakeTimer struct {
	clock *Fake
	id    int
	at    time.Time
	fn    func()
	wake  chan struct{}
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// SetAutoAdvance makes Sleep advance the clock by the requested duration and
// return immediately instead of waiting for Advance.
func (f *Fake) SetAutoAdvance(on bool) {
	f.mu.Lock()
	f.autoAdvance = on
	f.mu.Unlock()
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(d, fn, nil)
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.slept = append(f.slept, d)
	if f.autoAdvance {
		f.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		f.Advance(d)
		return nil
	}
	wake := make(chan struct{})
	t := f.addLocked(d, nil, wake)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-wake:
		return nil
	}
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Timers scheduled by fired callbacks are honoured within the same window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		if len(f.pending) == 0 || f.pending[0].at.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		t := f.pending[0]
		f.pending = f.pending[1:]
		if t.at.After(f.now) {
			f.now = t.at
		}
		f.mu.Unlock()

		if t.fn != nil {
			t.fn()
		}
		if t.wake != nil {
			close(t.wake)
		}
	}
}

// Pending reports the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Slept returns every duration passed to Sleep, in call order.
func (f *Fake) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}

func (f *Fake) addLocked(d time.Duration, fn func(), wake chan struct{}) *fakeTimer {
	if d < 0 {
		d = 0
	}
	f.nextID++
	t := &fakeTimer{clock: f, id: f.nextID, at: f.now.Add(d), fn: fn, wake: wake}
	f.pending = append(f.pending, t)
	sort.SliceStable(f.pending, func(i, j int) bool {
		if f.pending[i].at.Equal(f.pending[j].at) {
			return f.pending[i].id < f.pending[j].id
		}
		return f.pending[i].at.Before(f.pending[j].at)
	})
	return t
}

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}
