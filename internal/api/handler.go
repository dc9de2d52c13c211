package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agilelab/internal/metrics"
	"github.com/kalambet/agilelab/internal/session"
	"github.com/kalambet/agilelab/internal/storage"
)

type Deps struct {
	Store   *storage.Store
	Manager *session.Manager
	Token   string
	Logger  *slog.Logger // optional; defaults to slog.Default()
}

// NewHandler returns the workshop REST API. Everything except /health and
// /metrics requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/stages", handleStages)

		r.Get("/projects", handleListProjects(deps))
		r.Post("/projects", handleCreateProject(deps))
		r.Post("/projects/import", handleImportProject(deps))

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", handleGetProject(deps))
			r.Patch("/", handlePatchProject(deps))
			r.Delete("/", handleDeleteProject(deps))
			r.Post("/save", handleSave(deps))
			r.Get("/notices", handleNotices(deps))
			r.Get("/export", handleExport(deps))
			r.Put("/availability", handleAvailability(deps))
			r.Post("/impediments", handleAddImpediment(deps))
			r.Delete("/impediments/{index}", handleRemoveImpediment(deps))

			r.Get("/stages/{stage}", handleGetStage(deps))
			r.Put("/stages/{stage}/staging", handleSetStaging(deps))
			r.Post("/stages/{stage}/import", handleImport(deps))
			r.Post("/stages/{stage}/generate", handleGenerate(deps))
			r.Put("/stages/{stage}/output", handleSetOutput(deps))
			r.Post("/stages/{stage}/coach", handleCoach(deps))
			r.Post("/obeya/render", handleRenderRoom(deps))

			r.Get("/stories", handleListStories(deps))
			r.Post("/stories", handleSeedStories(deps))
			r.Get("/tasks", handleListTasks(deps))
			r.Post("/tasks", handleAddTask(deps))
			r.Post("/tasks/generate", handleGenerateTasks(deps))
			r.Patch("/tasks/{taskID}", handleMoveTask(deps))
			r.Delete("/tasks/{taskID}", handleDeleteTask(deps))

			r.Put("/sprint/review", handleSprintAnswer(deps, (*session.Session).SetReview))
			r.Put("/sprint/retro", handleSprintAnswer(deps, (*session.Session).SetRetro))
			r.Put("/sprint/moods", handleSprintAnswer(deps, (*session.Session).SetMood))
			r.Put("/sprint/view", handleSetView(deps))
			r.Post("/sprint/close", handleCloseSprint(deps))

			r.Get("/events", handleEvents(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// openSession loads the session named by the {id} URL parameter.
func openSession(deps Deps, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := deps.Manager.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return s, true
}
