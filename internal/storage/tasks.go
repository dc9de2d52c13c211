package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/agilelab/internal/project"
)

// --- Tasks ---

// ListTasks returns the tasks of a project in creation order.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]project.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, story_id, title, assigned_to, status
		FROM tasks WHERE project_id = ? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []project.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTask stores t under a fresh id and publishes an insert event.
// An empty status defaults to todo.
func (s *Store) CreateTask(ctx context.Context, t project.Task) (project.Task, error) {
	if t.ProjectID == "" {
		return project.Task{}, fmt.Errorf("task project id is required")
	}
	if t.Status == "" {
		t.Status = project.StatusTodo
	}
	t.ID = uuid.New().String()

	var storyID sql.NullString
	if t.StoryID != "" {
		storyID = sql.NullString{String: t.StoryID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, story_id, title, assigned_to, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, storyID, t.Title, t.AssignedTo, string(t.Status), formatTime(s.now()),
	)
	if err != nil {
		return project.Task{}, classify(err)
	}

	s.changes.publish(project.TaskEvent{Type: project.EventInsert, Task: t})
	return t, nil
}

// UpdateTaskStatus moves a task to another column and publishes an update event.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status project.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.changes.publish(project.TaskEvent{Type: project.EventUpdate, Task: t})
	return nil
}

// DeleteTask removes a single task and publishes a delete event.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return classify(err)
	}
	s.changes.publish(project.TaskEvent{Type: project.EventDelete, Task: project.Task{ID: t.ID, ProjectID: t.ProjectID}})
	return nil
}

// GetTask returns a single task, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (project.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, story_id, title, assigned_to, status
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Task{}, ErrNotFound
	}
	if err != nil {
		return project.Task{}, classify(err)
	}
	return t, nil
}

func scanTask(row rowScanner) (project.Task, error) {
	var (
		t       project.Task
		storyID sql.NullString
		status  string
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &storyID, &t.Title, &t.AssignedTo, &status); err != nil {
		return project.Task{}, err
	}
	t.StoryID = storyID.String
	t.Status = project.TaskStatus(status)
	return t, nil
}

// SubscribeTaskChanges registers fn for task events of projectID. Events are
// delivered in order on a dedicated goroutine. Call the returned function to
// unsubscribe.
func (s *Store) SubscribeTaskChanges(projectID string, fn func(project.TaskEvent)) func() {
	return s.changes.subscribe(projectID, fn)
}

// --- User stories ---

// ListStories returns the stories of a project in creation order.
func (s *Store) ListStories(ctx context.Context, projectID string) ([]project.Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, external_id, text, status
		FROM user_stories WHERE project_id = ? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []project.Story
	for rows.Next() {
		var st project.Story
		if err := rows.Scan(&st.ID, &st.ProjectID, &st.ExternalID, &st.Text, &st.Status); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CreateStory stores st under a fresh id. An empty status defaults to "backlog".
func (s *Store) CreateStory(ctx context.Context, st project.Story) (project.Story, error) {
	if st.ProjectID == "" {
		return project.Story{}, fmt.Errorf("story project id is required")
	}
	if st.Status == "" {
		st.Status = "backlog"
	}
	st.ID = uuid.New().String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stories (id, project_id, external_id, text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.ProjectID, st.ExternalID, st.Text, st.Status, formatTime(s.now()),
	)
	if err != nil {
		return project.Story{}, classify(err)
	}
	return st, nil
}
