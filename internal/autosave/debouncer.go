package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/agilelab/internal/metrics"
)

// DefaultQuietPeriod is the delay between the last mutation and the write.
const DefaultQuietPeriod = 2 * time.Second

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

// SaveFunc writes the full current snapshot.
type SaveFunc func(ctx context.Context) error

// Debouncer coalesces bursts of mutations into a single write that happens
// once no mutation has arrived for the quiet period.
type Debouncer struct {
	mu        sync.Mutex
	quiet     time.Duration
	save      SaveFunc
	afterFunc AfterFunc
	timer     Timer
	gen       uint64
	stopped   bool
	logger    *slog.Logger
	saveMu    sync.Mutex
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Debouncer) { d.logger = l }
}

// WithAfterFunc replaces the timer source (used by tests).
func WithAfterFunc(fn AfterFunc) Option {
	return func(d *Debouncer) { d.afterFunc = fn }
}

// New returns a debouncer that calls save after quiet has elapsed since the
// last Touch. A non-positive quiet uses DefaultQuietPeriod.
func New(quiet time.Duration, save SaveFunc, opts ...Option) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	d := &Debouncer{
		quiet:  quiet,
		save:   save,
		logger: slog.Default(),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Touch records a mutation and restarts the quiet period.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.afterFunc(d.quiet, func() { d.fire(gen) })
}

// Pending reports whether a write is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush cancels any scheduled write and writes immediately.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	d.cancelLocked()
	d.mu.Unlock()
	return d.write(ctx)
}

// Stop cancels any scheduled write. Later Touch calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Invalidate a callback that already started waiting on mu.
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	// Failures are logged only; the next Touch schedules the next attempt.
	_ = d.write(context.Background())
}

func (d *Debouncer) write(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	err := d.save(ctx)
	metrics.RecordAutosave(err)
	if err != nil {
		d.logger.Warn("autosave failed", "error", err)
	}
	return err
}
