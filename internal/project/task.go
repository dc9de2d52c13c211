package project

import "fmt"

// TaskStatus is the kanban column a task sits in.
type TaskStatus string

const (
	StatusTodo  TaskStatus = "todo"
	StatusDoing TaskStatus = "doing"
	StatusDone  TaskStatus = "done"
)

// ParseTaskStatus validates a raw status string.
func ParseTaskStatus(v string) (TaskStatus, error) {
	switch s := TaskStatus(v); s {
	case StatusTodo, StatusDoing, StatusDone:
		return s, nil
	}
	return "", fmt.Errorf("invalid task status %q (want todo, doing or done)", v)
}

// Task is a sprint board card. Any column may move to any other column.
type Task struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	StoryID    string     `json:"storyId,omitempty"`
	Title      string     `json:"title"`
	AssignedTo string     `json:"assignedTo"`
	Status     TaskStatus `json:"status"`
}

// Story is a backlog user story seeded into a project.
type Story struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	ExternalID string `json:"externalId"`
	Text       string `json:"text"`
	Status     string `json:"status"`
}

// TaskDraft is a generated task proposal before it is stored.
type TaskDraft struct {
	Title      string `json:"title"`
	AssignedTo string `json:"assignedTo"`
}

// EventType is the kind of a realtime task change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// TaskEvent is a task change pushed by the persistence layer. For deletes
// only Task.ID and Task.ProjectID are meaningful.
type TaskEvent struct {
	Type EventType `json:"type"`
	Task Task      `json:"task"`
}

// ApplyTaskEvent returns tasks with ev applied. Applying the same event twice
// yields the same list as applying it once.
func ApplyTaskEvent(tasks []Task, ev TaskEvent) []Task {
	idx := -1
	for i, t := range tasks {
		if t.ID == ev.Task.ID {
			idx = i
			break
		}
	}

	switch ev.Type {
	case EventInsert, EventUpdate:
		if idx >= 0 {
			tasks[idx] = ev.Task
			return tasks
		}
		return append(tasks, ev.Task)
	case EventDelete:
		if idx < 0 {
			return tasks
		}
		return append(tasks[:idx], tasks[idx+1:]...)
	}
	return tasks
}
