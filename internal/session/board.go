package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/agilelab/internal/metrics"
	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/storage"
)

// maxParallelDeletes bounds concurrent task deletes during sprint closure.
const maxParallelDeletes = 4

// ApplyTaskEvent applies a realtime change to the live task list. Events are
// applied unconditionally and are idempotent.
func (s *Session) ApplyTaskEvent(ev project.TaskEvent) {
	if ev.Task.ProjectID != "" && ev.Task.ProjectID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = project.ApplyTaskEvent(s.tasks, ev)
}

// AddTask creates a todo task.
func (s *Session) AddTask(ctx context.Context, title, assignedTo, storyID string) (project.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return project.Task{}, fmt.Errorf("%w: task title is required", ErrValidation)
	}
	t, err := s.store.CreateTask(ctx, project.Task{
		ProjectID:  s.id,
		StoryID:    storyID,
		Title:      title,
		AssignedTo: strings.TrimSpace(assignedTo),
		Status:     project.StatusTodo,
	})
	if err != nil {
		s.noteStoreError(err)
		return project.Task{}, fmt.Errorf("creating task: %w", err)
	}
	s.ApplyTaskEvent(project.TaskEvent{Type: project.EventInsert, Task: t})
	return t, nil
}

// ownTask loads a task and rejects tasks of other projects as not found.
func (s *Session) ownTask(ctx context.Context, id string) (project.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return project.Task{}, err
	}
	if t.ProjectID != s.id {
		return project.Task{}, storage.ErrNotFound
	}
	return t, nil
}

// MoveTask sets the status of a task. Any column may move to any other.
func (s *Session) MoveTask(ctx context.Context, id string, status project.TaskStatus) (project.Task, error) {
	if _, err := project.ParseTaskStatus(string(status)); err != nil {
		return project.Task{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	t, err := s.ownTask(ctx, id)
	if err != nil {
		s.noteStoreError(err)
		return project.Task{}, fmt.Errorf("moving task: %w", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, id, status); err != nil {
		s.noteStoreError(err)
		return project.Task{}, fmt.Errorf("moving task: %w", err)
	}
	t.Status = status
	s.ApplyTaskEvent(project.TaskEvent{Type: project.EventUpdate, Task: t})
	return t, nil
}

// DeleteTask removes a single task of this project.
func (s *Session) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.ownTask(ctx, id); err != nil {
		s.noteStoreError(err)
		return fmt.Errorf("deleting task: %w", err)
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		s.noteStoreError(err)
		return fmt.Errorf("deleting task: %w", err)
	}
	s.ApplyTaskEvent(project.TaskEvent{Type: project.EventDelete, Task: project.Task{ID: id, ProjectID: s.id}})
	return nil
}

// SeedStories creates one story per non-blank line of texts, numbered after
// the existing stories (US1, US2, ...). Creation is best-effort: stories
// created before a failure are kept and the joined errors are returned.
func (s *Session) SeedStories(ctx context.Context, texts []string) ([]project.Story, error) {
	s.mu.Lock()
	next := len(s.stories) + 1
	s.mu.Unlock()

	var (
		created []project.Story
		errs    []error
	)
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		st, err := s.store.CreateStory(ctx, project.Story{
			ProjectID:  s.id,
			ExternalID: fmt.Sprintf("US%d", next),
			Text:       text,
		})
		next++
		if err != nil {
			s.noteStoreError(err)
			s.logger.Warn("seeding story failed", "text", text, "error", err)
			errs = append(errs, err)
			continue
		}
		created = append(created, st)
	}

	s.mu.Lock()
	s.stories = append(s.stories, created...)
	s.mu.Unlock()
	return created, errors.Join(errs...)
}

// GenerateTasks asks the generator to break stories into tasks and creates
// one todo task per proposal. An empty storyIDs selects every story.
// Repeated calls create duplicate tasks.
func (s *Session) GenerateTasks(ctx context.Context, storyIDs []string) ([]project.Task, error) {
	s.mu.Lock()
	if s.breakingDown {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task generation", ErrBusy)
	}
	var stories []project.Story
	for _, st := range s.stories {
		if len(storyIDs) == 0 || slices.Contains(storyIDs, st.ID) {
			stories = append(stories, st)
		}
	}
	members := slices.Clone(s.record.SessionData.TeamMembers)
	if len(stories) > 0 {
		s.breakingDown = true
	}
	s.mu.Unlock()

	if len(stories) == 0 {
		return nil, fmt.Errorf("%w: no user stories selected", ErrValidation)
	}
	defer func() {
		s.mu.Lock()
		s.breakingDown = false
		s.mu.Unlock()
	}()

	drafts, err := s.gen.TaskBreakdown(context.WithoutCancel(ctx), stories, members)
	if err != nil {
		return nil, fmt.Errorf("generating tasks: %w", err)
	}

	var storyID string
	if len(stories) == 1 {
		storyID = stories[0].ID
	}

	var (
		created []project.Task
		errs    []error
	)
	for _, d := range drafts {
		t, err := s.AddTask(ctx, d.Title, d.AssignedTo, storyID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, t)
	}
	metrics.TasksGenerated.Add(float64(len(created)))
	return created, errors.Join(errs...)
}

// SetReview sets one sprint review answer.
func (s *Session) SetReview(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.review[key] = value
}

// SetRetro sets one retrospective answer.
func (s *Session) SetRetro(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retro[key] = value
}

// SetMood records a team member's mood.
func (s *Session) SetMood(member, mood string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moods[member] = mood
}

// SetView switches the sprint board tab.
func (s *Session) SetView(v BoardView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
}

// View returns the current sprint board tab.
func (s *Session) View() BoardView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// CloseSprint archives done tasks into a new SprintLog and starts the next
// sprint. Local state always moves on: history grows by one, the sprint
// number increments, done tasks leave the board, review/retro/moods are
// cleared and the board returns to planning. Deleting the archived tasks is
// best-effort. The returned error reports only the failure to persist the new
// history and sprint number.
func (s *Session) CloseSprint(ctx context.Context) (project.SprintLog, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return project.SprintLog{}, fmt.Errorf("%w: sprint closure", ErrBusy)
	}
	s.closing = true

	completed := []project.Task{}
	active := []project.Task{}
	for _, t := range s.tasks {
		if t.Status == project.StatusDone {
			completed = append(completed, t)
		} else {
			active = append(active, t)
		}
	}

	entry := project.SprintLog{
		Number:         s.record.CurrentSprintNumber,
		Date:           s.now().Format("2006-01-02"),
		CompletedTasks: completed,
		CarryOverCount: len(active),
		ReviewData:     maps.Clone(s.review),
		RetroData:      maps.Clone(s.retro),
		TeamMoods:      maps.Clone(s.moods),
	}

	history := append(slices.Clone(s.record.SprintsHistory), entry)
	next := s.record.CurrentSprintNumber + 1

	s.record.SprintsHistory = history
	s.record.CurrentSprintNumber = next
	s.tasks = active
	s.review = make(map[string]string)
	s.retro = make(map[string]string)
	s.moods = make(map[string]string)
	s.view = ViewPlanning
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.closing = false
		s.mu.Unlock()
	}()

	s.deleteArchived(ctx, completed)

	historyPatch := slices.Clone(history)
	err := s.store.UpdateProject(ctx, s.id, project.Patch{
		SprintsHistory:      &historyPatch,
		CurrentSprintNumber: &next,
	})
	metrics.SprintClosures.Inc()
	if err != nil {
		s.noteStoreError(err)
		s.logger.Error("persisting sprint closure failed", "sprint", entry.Number, "error", err)
		return entry, fmt.Errorf("persisting sprint closure: %w", err)
	}
	s.logger.Info("sprint closed", "sprint", entry.Number, "completed", len(completed), "carry_over", len(active))
	return entry, nil
}

// deleteArchived deletes archived tasks concurrently. Failures are logged and
// counted, never rolled back.
func (s *Session) deleteArchived(ctx context.Context, tasks []project.Task) {
	var g errgroup.Group
	g.SetLimit(maxParallelDeletes)
	for _, t := range tasks {
		g.Go(func() error {
			if err := s.store.DeleteTask(ctx, t.ID); err != nil {
				metrics.TaskDeleteFailures.Inc()
				s.logger.Warn("deleting archived task failed", "task_id", t.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}
