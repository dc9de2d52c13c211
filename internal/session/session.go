package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/agilelab/internal/autosave"
	"github.com/kalambet/agilelab/internal/gemini"
	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/storage"
	"github.com/kalambet/agilelab/internal/workshop"
)

var (
	// ErrBusy is returned when the same operation is already running.
	ErrBusy = errors.New("operation already in progress")
	// ErrNothingToImport is returned when the import source has no stored output.
	ErrNothingToImport = errors.New("source stage has not been generated yet")
	// ErrNoImportSource is returned when a stage/slot has no import source.
	ErrNoImportSource = errors.New("stage has no import source for this slot")
	// ErrNotGeneratable is returned for stages without a text generator.
	ErrNotGeneratable = errors.New("stage has no generator")
	// ErrValidation is returned when an explicit save is blocked by invalid input.
	ErrValidation = errors.New("validation failed")
)

// Store is the persistence collaborator a session reads from and writes to.
type Store interface {
	GetProject(ctx context.Context, id string) (project.Project, error)
	UpdateProject(ctx context.Context, id string, patch project.Patch) error
	ListTasks(ctx context.Context, projectID string) ([]project.Task, error)
	GetTask(ctx context.Context, id string) (project.Task, error)
	CreateTask(ctx context.Context, t project.Task) (project.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status project.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error
	ListStories(ctx context.Context, projectID string) ([]project.Story, error)
	CreateStory(ctx context.Context, st project.Story) (project.Story, error)
	SubscribeTaskChanges(projectID string, fn func(project.TaskEvent)) func()
}

// Generator is the text/image generation collaborator.
type Generator interface {
	Vision(ctx context.Context, v project.VisionData) (string, error)
	Objectives(ctx context.Context, o project.ObjectivesData, visionContext string) (string, error)
	KPIBreakdown(ctx context.Context, strategic string) (string, error)
	Backlog(ctx context.Context, strategic string) (string, error)
	Estimates(ctx context.Context, backlog string) (string, error)
	TeamStructure(ctx context.Context, tc gemini.TeamContext) (string, error)
	Roadmap(ctx context.Context, rc gemini.RoadmapContext) (string, error)
	RoomRendering(ctx context.Context, image []byte, mimeType string, checklist []string) (string, error)
	AskCoach(ctx context.Context, prompt, moduleContext string) (string, error)
	TaskBreakdown(ctx context.Context, stories []project.Story, members []project.TeamMember) ([]project.TaskDraft, error)
}

// BoardView is the sprint board tab.
type BoardView string

const (
	ViewPlanning BoardView = "planning"
	ViewDaily    BoardView = "daily"
	ViewReview   BoardView = "review"
	ViewRetro    BoardView = "retro"
)

// ParseBoardView validates a raw view name.
func ParseBoardView(v string) (BoardView, error) {
	switch bv := BoardView(v); bv {
	case ViewPlanning, ViewDaily, ViewReview, ViewRetro:
		return bv, nil
	}
	return "", fmt.Errorf("%w: unknown board view %q", ErrValidation, v)
}

// Notice is a one-time message for the operator.
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const noticeSchemaMismatch = "schema_mismatch"

// Session is the in-memory state of one open project. All methods are safe
// for concurrent use. The lock is never held across store or generator calls.
type Session struct {
	id     string
	store  Store
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
	saver  *autosave.Debouncer
	unsub  func()

	mu           sync.Mutex
	record       project.Project
	staging      map[workshop.Field]string
	display      map[project.Stage]string
	busy         map[project.Stage]bool
	tasks        []project.Task
	stories      []project.Story
	review       map[string]string
	retro        map[string]string
	moods        map[string]string
	view         BoardView
	closing      bool
	breakingDown bool
	notices      []Notice
	schemaWarned bool
}

func newSession(rec project.Project, tasks []project.Task, stories []project.Story, store Store, gen Generator, logger *slog.Logger, now func() time.Time) *Session {
	rec.Normalize()
	s := &Session{
		id:      rec.ID,
		store:   store,
		gen:     gen,
		logger:  logger.With("project_id", rec.ID),
		now:     now,
		record:  rec,
		staging: make(map[workshop.Field]string),
		display: make(map[project.Stage]string),
		busy:    make(map[project.Stage]bool),
		tasks:   tasks,
		stories: stories,
		review:  make(map[string]string),
		retro:   make(map[string]string),
		moods:   make(map[string]string),
		view:    ViewPlanning,
	}
	for st, text := range rec.StoredOutputs {
		s.display[st] = text
	}
	return s
}

// ID returns the project id.
func (s *Session) ID() string { return s.id }

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Project project.Project          `json:"project"`
	Staging map[string]string        `json:"staging"`
	Display map[project.Stage]string `json:"display"`
	Busy    []project.Stage          `json:"busy"`
	Tasks   []project.Task           `json:"tasks"`
	Stories []project.Story          `json:"stories"`
	Review  map[string]string        `json:"review"`
	Retro   map[string]string        `json:"retro"`
	Moods   map[string]string        `json:"moods"`
	View    BoardView                `json:"view"`
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Project: s.record.Clone(),
		Staging: make(map[string]string, len(s.staging)),
		Display: maps.Clone(s.display),
		Busy:    []project.Stage{},
		Tasks:   cloneTasks(s.tasks),
		Stories: slices.Clone(s.stories),
		Review:  maps.Clone(s.review),
		Retro:   maps.Clone(s.retro),
		Moods:   maps.Clone(s.moods),
		View:    s.view,
	}
	for f, v := range s.staging {
		snap.Staging[f.String()] = v
	}
	for st, b := range s.busy {
		if b {
			snap.Busy = append(snap.Busy, st)
		}
	}
	slices.Sort(snap.Busy)
	if snap.Stories == nil {
		snap.Stories = []project.Story{}
	}
	return snap
}

// Project returns a copy of the project record.
func (s *Session) Project() project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Tasks returns a copy of the live task list.
func (s *Session) Tasks() []project.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.tasks)
}

// Stories returns a copy of the project's user stories.
func (s *Session) Stories() []project.Story {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.stories)
}

// StoredOutput returns the cached narrative of st.
func (s *Session) StoredOutput(st project.Stage) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.StoredOutputs.Get(st)
}

// Display returns the text currently shown for st: the last generated
// output, a failure message, or "".
func (s *Session) Display(st project.Stage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display[st]
}

// TakeNotices returns pending notices and clears them.
func (s *Session) TakeNotices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

// --- Tracked field mutations (each schedules an autosave) ---

func (s *Session) mutate(fn func(p *project.Project)) {
	s.mu.Lock()
	fn(&s.record)
	s.mu.Unlock()
	s.saver.Touch()
}

// SetSessionData replaces the engagement details.
func (s *Session) SetSessionData(sd project.SessionData) {
	sd.TeamMembers = slices.Clone(sd.TeamMembers)
	if sd.TeamMembers == nil {
		sd.TeamMembers = []project.TeamMember{}
	}
	s.mutate(func(p *project.Project) { p.SessionData = sd })
}

// SetVision replaces the vision form.
func (s *Session) SetVision(v project.VisionData) {
	s.mutate(func(p *project.Project) { p.VisionData = v })
}

// SetObjectives replaces the objectives form.
func (s *Session) SetObjectives(o project.ObjectivesData) {
	s.mutate(func(p *project.Project) { p.ObjectivesData = o })
}

// SetMindset replaces the mindset form.
func (s *Session) SetMindset(m project.MindsetData) {
	s.mutate(func(p *project.Project) { p.MindsetData = m })
}

// SetAvailability sets the hours available for one team member label.
func (s *Session) SetAvailability(label string, hours int) error {
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("%w: availability label is required", ErrValidation)
	}
	if hours < 0 {
		return fmt.Errorf("%w: hours must not be negative", ErrValidation)
	}
	s.mutate(func(p *project.Project) {
		m := maps.Clone(p.TeamAvailability)
		if m == nil {
			m = map[string]int{}
		}
		m[label] = hours
		p.TeamAvailability = m
	})
	return nil
}

// AddImpediment appends a free-text impediment.
func (s *Session) AddImpediment(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: impediment text is required", ErrValidation)
	}
	s.mutate(func(p *project.Project) {
		p.Impediments = append(slices.Clone(p.Impediments), text)
	})
	return nil
}

// RemoveImpediment deletes the impediment at index i.
func (s *Session) RemoveImpediment(i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.record.Impediments) {
		s.mu.Unlock()
		return fmt.Errorf("%w: impediment index %d out of range", ErrValidation, i)
	}
	s.record.Impediments = slices.Delete(slices.Clone(s.record.Impediments), i, i+1)
	s.mu.Unlock()
	s.saver.Touch()
	return nil
}

// SetActiveModule records the last viewed stage.
func (s *Session) SetActiveModule(st project.Stage) {
	s.mutate(func(p *project.Project) { p.ActiveModuleID = st.ModuleID() })
}

// SaveNow validates and writes the full snapshot immediately, cancelling any
// pending debounced write.
func (s *Session) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	name := strings.TrimSpace(s.record.SessionData.ProjectName)
	s.mu.Unlock()
	if name == "" {
		return fmt.Errorf("%w: project name is required", ErrValidation)
	}
	return s.saver.Flush(ctx)
}

// persist writes every tracked field. It is the autosave callback.
func (s *Session) persist(ctx context.Context) error {
	s.mu.Lock()
	patch := project.SnapshotPatch(s.record)
	s.mu.Unlock()

	if err := s.store.UpdateProject(ctx, s.id, patch); err != nil {
		s.noteStoreError(err)
		return fmt.Errorf("saving project: %w", err)
	}
	return nil
}

// noteStoreError raises the schema notice the first time a legacy schema is hit.
func (s *Session) noteStoreError(err error) {
	if !errors.Is(err, storage.ErrSchemaMismatch) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaWarned {
		return
	}
	s.schemaWarned = true
	s.notices = append(s.notices, Notice{
		Kind:    noticeSchemaMismatch,
		Message: "The database schema is out of date. Run `agilelab db migrate` and restart.",
	})
	s.logger.Error("database schema mismatch", "error", err)
}

func (s *Session) close(ctx context.Context, flush bool) error {
	if s.unsub != nil {
		s.unsub()
	}
	var err error
	if flush && s.saver.Pending() {
		err = s.saver.Flush(ctx)
	}
	s.saver.Stop()
	return err
}

func cloneTasks(tasks []project.Task) []project.Task {
	out := slices.Clone(tasks)
	if out == nil {
		out = []project.Task{}
	}
	return out
}
