package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/agilelab/internal/project"
)

const projectColumns = `id, session_data, vision_data, objectives_data, mindset_data, stored_outputs,
	active_module_id, team_availability, impediments, current_sprint_number, sprints_history,
	created_at, updated_at`

// GetProject returns the full record for id, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM project_states WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Project{}, ErrNotFound
	}
	if err != nil {
		return project.Project{}, classify(err)
	}
	return p, nil
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]project.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_data, updated_at FROM project_states ORDER BY updated_at DESC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []project.Summary
	for rows.Next() {
		var (
			sum        project.Summary
			rawSession string
			updatedAt  string
		)
		if err := rows.Scan(&sum.ID, &rawSession, &updatedAt); err != nil {
			return nil, err
		}
		var sd project.SessionData
		if err := json.Unmarshal([]byte(rawSession), &sd); err != nil {
			return nil, fmt.Errorf("decoding session_data of %s: %w", sum.ID, err)
		}
		sum.Name = sd.ProjectName
		if sum.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CreateProject inserts a new project built from initial. The id and both
// timestamps are always assigned here; any value in initial is ignored.
func (s *Store) CreateProject(ctx context.Context, initial project.Project) (project.Project, error) {
	p := initial.Clone()
	p.Normalize()
	p.ID = uuid.New().String()
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	cols, err := encodeProject(p)
	if err != nil {
		return project.Project{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_states (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, cols.session, cols.vision, cols.objectives, cols.mindset, cols.outputs,
		p.ActiveModuleID, cols.availability, cols.impediments, p.CurrentSprintNumber, cols.history,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return project.Project{}, classify(err)
	}
	return p, nil
}

// UpdateProject merges patch into the stored record and bumps updated_at.
func (s *Store) UpdateProject(ctx context.Context, id string, patch project.Patch) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) error {
		switch v := v.(type) {
		case string, int:
			sets = append(sets, col+" = ?")
			args = append(args, v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", col, err)
			}
			sets = append(sets, col+" = ?")
			args = append(args, string(b))
		}
		return nil
	}

	fields := []struct {
		col string
		set bool
		val func() any
	}{
		{"session_data", patch.SessionData != nil, func() any { return patch.SessionData }},
		{"vision_data", patch.VisionData != nil, func() any { return patch.VisionData }},
		{"objectives_data", patch.ObjectivesData != nil, func() any { return patch.ObjectivesData }},
		{"mindset_data", patch.MindsetData != nil, func() any { return patch.MindsetData }},
		{"stored_outputs", patch.StoredOutputs != nil, func() any { return nonNilOutputs(*patch.StoredOutputs) }},
		{"active_module_id", patch.ActiveModuleID != nil, func() any { return *patch.ActiveModuleID }},
		{"team_availability", patch.TeamAvailability != nil, func() any { return nonNilMap(*patch.TeamAvailability) }},
		{"impediments", patch.Impediments != nil, func() any { return nonNilSlice(*patch.Impediments) }},
		{"current_sprint_number", patch.CurrentSprintNumber != nil, func() any { return *patch.CurrentSprintNumber }},
		{"sprints_history", patch.SprintsHistory != nil, func() any { return nonNilSlice(*patch.SprintsHistory) }},
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if err := add(f.col, f.val()); err != nil {
			return err
		}
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(s.now()), id)

	res, err := s.db.ExecContext(ctx, `UPDATE project_states SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
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
	return nil
}

// DeleteProject removes the project's tasks and stories, then the project.
// The steps are independent statements, matching the remote store semantics.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("deleting tasks: %w", classify(err))
	}
	for _, t := range tasks {
		s.changes.publish(project.TaskEvent{Type: project.EventDelete, Task: project.Task{ID: t.ID, ProjectID: id}})
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_stories WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("deleting stories: %w", classify(err))
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM project_states WHERE id = ?`, id)
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
	return nil
}

type encodedProject struct {
	session, vision, objectives, mindset, outputs, availability, impediments, history string
}

func encodeProject(p project.Project) (encodedProject, error) {
	var (
		out encodedProject
		err error
	)
	enc := func(dst *string, v any) {
		if err != nil {
			return
		}
		var b []byte
		b, err = json.Marshal(v)
		*dst = string(b)
	}
	enc(&out.session, p.SessionData)
	enc(&out.vision, p.VisionData)
	enc(&out.objectives, p.ObjectivesData)
	enc(&out.mindset, p.MindsetData)
	enc(&out.outputs, p.StoredOutputs)
	enc(&out.availability, p.TeamAvailability)
	enc(&out.impediments, p.Impediments)
	enc(&out.history, p.SprintsHistory)
	if err != nil {
		return encodedProject{}, fmt.Errorf("encoding project: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (project.Project, error) {
	var (
		p                    project.Project
		enc                  encodedProject
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &enc.session, &enc.vision, &enc.objectives, &enc.mindset, &enc.outputs,
		&p.ActiveModuleID, &enc.availability, &enc.impediments, &p.CurrentSprintNumber, &enc.history,
		&createdAt, &updatedAt)
	if err != nil {
		return project.Project{}, err
	}

	decode := []struct {
		col string
		raw string
		dst any
	}{
		{"session_data", enc.session, &p.SessionData},
		{"vision_data", enc.vision, &p.VisionData},
		{"objectives_data", enc.objectives, &p.ObjectivesData},
		{"mindset_data", enc.mindset, &p.MindsetData},
		{"stored_outputs", enc.outputs, &p.StoredOutputs},
		{"team_availability", enc.availability, &p.TeamAvailability},
		{"impediments", enc.impediments, &p.Impediments},
		{"sprints_history", enc.history, &p.SprintsHistory},
	}
	for _, d := range decode {
		if err := json.Unmarshal([]byte(d.raw), d.dst); err != nil {
			return project.Project{}, fmt.Errorf("decoding %s: %w", d.col, err)
		}
	}

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return project.Project{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return project.Project{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	p.Normalize()
	return p, nil
}

func nonNilOutputs(o project.Outputs) project.Outputs {
	if o == nil {
		return project.Outputs{}
	}
	return o
}

func nonNilMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
