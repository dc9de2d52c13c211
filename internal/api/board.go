package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/session"
)

func handleListStories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		stories := s.Stories()
		if stories == nil {
			stories = []project.Story{}
		}
		writeJSON(w, http.StatusOK, stories)
	}
}

// handleSeedStories creates stories best-effort. Partial failures still
// answer 201 with the stories that were created and an error message.
func handleSeedStories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		created, err := s.SeedStories(r.Context(), req.Texts)
		if err != nil && len(created) == 0 {
			writeServiceError(w, err)
			return
		}
		resp := struct {
			Stories []project.Story `json:"stories"`
			Error   string          `json:"error,omitempty"`
		}{Stories: created}
		if resp.Stories == nil {
			resp.Stories = []project.Story{}
		}
		if err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

// handleListTasks lists the board, optionally filtered by ?status=.
func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status project.TaskStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			st, err := project.ParseTaskStatus(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			status = st
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tasks := s.Tasks()
		if status != "" {
			filtered := []project.Task{}
			for _, t := range tasks {
				if t.Status == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

type addTaskRequest struct {
	Title      string `json:"title"`
	AssignedTo string `json:"assignedTo"`
	StoryID    string `json:"storyId"`
}

func handleAddTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addTaskRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		t, err := s.AddTask(r.Context(), req.Title, req.AssignedTo, req.StoryID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleGenerateTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StoryIDs []string `json:"storyIds"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		created, err := s.GenerateTasks(r.Context(), req.StoryIDs)
		if err != nil && len(created) == 0 {
			writeServiceError(w, err)
			return
		}
		if created == nil {
			created = []project.Task{}
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleMoveTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		status, err := project.ParseTaskStatus(req.Status)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		t, err := s.MoveTask(r.Context(), chi.URLParam(r, "taskID"), status)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleDeleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if err := s.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type answerRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleSprintAnswer stores one review, retro or mood entry.
func handleSprintAnswer(deps Deps, set func(*session.Session, string, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required")
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		set(s, req.Key, req.Value)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSetView(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			View string `json:"view"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		v, err := session.ParseBoardView(req.View)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		s.SetView(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

type closeSprintResponse struct {
	Sprint project.SprintLog `json:"sprint"`
	Saved  bool              `json:"saved"`
	Error  string            `json:"error,omitempty"`
}

// handleCloseSprint always reports the archived sprint. A failed write of the
// new history is reported with saved=false; the board has moved on regardless.
func handleCloseSprint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		entry, err := s.CloseSprint(r.Context())
		if err != nil && entry.Number == 0 {
			writeServiceError(w, err)
			return
		}
		resp := closeSprintResponse{Sprint: entry, Saved: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
