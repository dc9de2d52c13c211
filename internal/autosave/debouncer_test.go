package autosave

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock drives AfterFunc callbacks from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, running due callbacks in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= target {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	c.mu.Unlock()

	for _, t := range due {
		c.mu.Lock()
		if t.stopped {
			c.mu.Unlock()
			continue
		}
		t.fired = true
		c.now = t.at
		c.mu.Unlock()
		t.f()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recordedWrite struct {
	at    time.Duration
	state int
}

// recorder captures writes along with the state visible at write time.
type recorder struct {
	mu     sync.Mutex
	clock  *fakeClock
	state  int
	writes []recordedWrite
	err    error
}

func (r *recorder) set(v int) {
	r.mu.Lock()
	r.state = v
	r.mu.Unlock()
}

func (r *recorder) save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, recordedWrite{at: r.clock.Now(), state: r.state})
	return r.err
}

func newTestDebouncer(t *testing.T) (*Debouncer, *fakeClock, *recorder) {
	t.Helper()
	clock := &fakeClock{}
	rec := &recorder{clock: clock}
	d := New(2*time.Second, rec.save, WithAfterFunc(clock.AfterFunc))
	return d, clock, rec
}

func TestDebounce_BurstProducesSingleWrite(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)

	for i := 1; i <= 3; i++ {
		rec.set(i)
		d.Touch()
		if i < 3 {
			clock.Advance(500 * time.Millisecond)
		}
	}
	// Last mutation happened at t=1s.
	clock.Advance(1999 * time.Millisecond)
	if len(rec.writes) != 0 {
		t.Fatalf("write happened before the quiet period: %+v", rec.writes)
	}

	clock.Advance(time.Millisecond)
	clock.Advance(10 * time.Second)

	if len(rec.writes) != 1 {
		t.Fatalf("writes = %d, want exactly 1", len(rec.writes))
	}
	w := rec.writes[0]
	if w.at != 3*time.Second {
		t.Errorf("write at %v, want 3s (2s after the last mutation)", w.at)
	}
	if w.state != 3 {
		t.Errorf("write carried state %d, want 3", w.state)
	}
}

func TestDebounce_SeparateBurstsWriteSeparately(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)

	d.Touch()
	clock.Advance(3 * time.Second)
	d.Touch()
	clock.Advance(3 * time.Second)

	if len(rec.writes) != 2 {
		t.Errorf("writes = %d, want 2", len(rec.writes))
	}
}

func TestFlush_WritesNowAndCancelsPending(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)

	rec.set(7)
	d.Touch()
	if !d.Pending() {
		t.Fatal("expected a pending write after Touch")
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if d.Pending() {
		t.Error("Flush left a pending write")
	}

	clock.Advance(5 * time.Second)
	if len(rec.writes) != 1 || rec.writes[0].state != 7 || rec.writes[0].at != 0 {
		t.Errorf("writes = %+v, want one immediate write", rec.writes)
	}
}

func TestWriteFailure_NoRetry(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)
	rec.err = errors.New("network down")

	d.Touch()
	clock.Advance(10 * time.Second)
	if len(rec.writes) != 1 {
		t.Fatalf("writes = %d, want 1 (no retry)", len(rec.writes))
	}

	// Only a new mutation schedules another attempt.
	rec.err = nil
	d.Touch()
	clock.Advance(2 * time.Second)
	if len(rec.writes) != 2 {
		t.Errorf("writes = %d, want 2", len(rec.writes))
	}
}

func TestStop_CancelsAndIgnoresTouch(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)

	d.Touch()
	d.Stop()
	d.Touch()
	clock.Advance(10 * time.Second)

	if len(rec.writes) != 0 {
		t.Errorf("writes = %d after Stop, want 0", len(rec.writes))
	}
}

func TestNew_DefaultQuietPeriod(t *testing.T) {
	d := New(0, func(context.Context) error { return nil })
	if d.quiet != DefaultQuietPeriod {
		t.Errorf("quiet = %v, want %v", d.quiet, DefaultQuietPeriod)
	}
}

func TestRealTimer(t *testing.T) {
	done := make(chan struct{}, 1)
	d := New(20*time.Millisecond, func(context.Context) error {
		done <- struct{}{}
		return nil
	})
	d.Touch()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write never happened")
	}
}
