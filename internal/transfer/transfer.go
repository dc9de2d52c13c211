package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/agilelab/internal/project"
)

// FormatVersion is written into every exported document.
const FormatVersion = 1

// ImportSuffix is appended to the name of imported projects.
const ImportSuffix = " (Import)"

// ErrInvalidDocument is returned when an import payload has no state object.
var ErrInvalidDocument = errors.New("invalid export document")

// Document is the export file layout.
type Document struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	State      project.Project `json:"state"`
	Stories    []project.Story `json:"stories"`
	Tasks      []project.Task  `json:"tasks"`
}

// Source reads everything an export contains.
type Source interface {
	GetProject(ctx context.Context, id string) (project.Project, error)
	ListStories(ctx context.Context, projectID string) ([]project.Story, error)
	ListTasks(ctx context.Context, projectID string) ([]project.Task, error)
}

// Creator creates the project of an import.
type Creator interface {
	CreateProject(ctx context.Context, initial project.Project) (project.Project, error)
}

// Export loads projectID with its stories and tasks.
func Export(ctx context.Context, src Source, projectID string) (Document, error) {
	doc := Document{Version: FormatVersion, ExportedAt: time.Now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := src.GetProject(gctx, projectID)
		if err != nil {
			return fmt.Errorf("loading project: %w", err)
		}
		doc.State = p
		return nil
	})
	g.Go(func() error {
		stories, err := src.ListStories(gctx, projectID)
		if err != nil {
			return fmt.Errorf("loading stories: %w", err)
		}
		doc.Stories = stories
		return nil
	})
	g.Go(func() error {
		tasks, err := src.ListTasks(gctx, projectID)
		if err != nil {
			return fmt.Errorf("loading tasks: %w", err)
		}
		doc.Tasks = tasks
		return nil
	})
	if err := g.Wait(); err != nil {
		return Document{}, err
	}

	if doc.Stories == nil {
		doc.Stories = []project.Story{}
	}
	if doc.Tasks == nil {
		doc.Tasks = []project.Task{}
	}
	return doc, nil
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// FileName suggests a download name for doc.
func FileName(doc Document) string {
	name := doc.State.SessionData.ProjectName
	if name == "" {
		name = "project"
	}
	var b bytes.Buffer
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf("%s_%s.json", b.String(), doc.ExportedAt.Format("2006-01-02"))
}

// Parse validates an export payload and returns the project state it holds.
// Only the top-level state object is required.
func Parse(data []byte) (project.Project, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return project.Project{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	state, ok := raw["state"]
	if !ok {
		return project.Project{}, fmt.Errorf("%w: missing state object", ErrInvalidDocument)
	}
	if t := bytes.TrimSpace(state); len(t) == 0 || t[0] != '{' {
		return project.Project{}, fmt.Errorf("%w: state is not an object", ErrInvalidDocument)
	}

	var p project.Project
	if err := json.Unmarshal(state, &p); err != nil {
		return project.Project{}, fmt.Errorf("%w: decoding state: %v", ErrInvalidDocument, err)
	}
	return p, nil
}

// Import creates a brand-new project from an export payload. The name gets
// ImportSuffix; an existing project is never overwritten. Stories and tasks
// in the payload are not recreated.
func Import(ctx context.Context, dst Creator, data []byte) (project.Project, error) {
	p, err := Parse(data)
	if err != nil {
		return project.Project{}, err
	}
	p.SessionData.ProjectName += ImportSuffix
	created, err := dst.CreateProject(ctx, p)
	if err != nil {
		return project.Project{}, fmt.Errorf("creating imported project: %w", err)
	}
	return created, nil
}
