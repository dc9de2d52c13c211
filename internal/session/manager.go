package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/agilelab/internal/autosave"
	"github.com/kalambet/agilelab/internal/metrics"
	"github.com/kalambet/agilelab/internal/project"
)

// Manager owns the open sessions, one per project.
type Manager struct {
	store     Store
	gen       Generator
	logger    *slog.Logger
	quiet     time.Duration
	afterFunc autosave.AfterFunc
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithQuietPeriod sets the autosave quiet period.
func WithQuietPeriod(d time.Duration) Option {
	return func(m *Manager) { m.quiet = d }
}

// WithAfterFunc replaces the autosave timer source (used by tests).
func WithAfterFunc(fn autosave.AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

// WithClock sets the clock used for sprint log dates.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(store Store, gen Generator, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		gen:      gen,
		logger:   slog.Default(),
		quiet:    autosave.DefaultQuietPeriod,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open returns the session of projectID, loading it on first use. Loading
// reads the project, its tasks and its stories, then subscribes to realtime
// task changes.
func (m *Manager) Open(ctx context.Context, projectID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[projectID]; ok {
		return s, nil
	}

	var (
		rec     project.Project
		tasks   []project.Task
		stories []project.Story
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = m.store.GetProject(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		tasks, err = m.store.ListTasks(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		stories, err = m.store.ListStories(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading project %s: %w", projectID, err)
	}

	s := newSession(rec, tasks, stories, m.store, m.gen, m.logger, m.now)
	saveOpts := []autosave.Option{autosave.WithLogger(s.logger)}
	if m.afterFunc != nil {
		saveOpts = append(saveOpts, autosave.WithAfterFunc(m.afterFunc))
	}
	s.saver = autosave.New(m.quiet, s.persist, saveOpts...)
	s.unsub = m.store.SubscribeTaskChanges(projectID, s.ApplyTaskEvent)

	m.sessions[projectID] = s
	metrics.OpenSessions.Inc()
	m.logger.Debug("session opened", "project_id", projectID, "tasks", len(tasks), "stories", len(stories))
	return s, nil
}

// Get returns an already open session.
func (m *Manager) Get(projectID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	return s, ok
}

// Close flushes any pending write of projectID and releases the session.
func (m *Manager) Close(ctx context.Context, projectID string) error {
	s := m.remove(projectID)
	if s == nil {
		return nil
	}
	return s.close(ctx, true)
}

// Forget releases the session without writing, for deleted projects.
func (m *Manager) Forget(projectID string) {
	if s := m.remove(projectID); s != nil {
		_ = s.close(context.Background(), false)
	}
}

// CloseAll flushes and releases every session.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(projectID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	if !ok {
		return nil
	}
	delete(m.sessions, projectID)
	metrics.OpenSessions.Dec()
	return s
}
