package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/session"
	"github.com/kalambet/agilelab/internal/transfer"
)

func handleListProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListProjects(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if list == nil {
			list = []project.Summary{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sd project.SessionData
		if !decodeBody(w, r, maxRequestBodySize, &sd) {
			return
		}
		sd.ProjectName = strings.TrimSpace(sd.ProjectName)
		if sd.ProjectName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "projectName is required")
			return
		}

		p, err := deps.Store.CreateProject(r.Context(), project.Project{SessionData: sd})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		deps.Logger.Info("project created", "project_id", p.ID, "name", sd.ProjectName)
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleGetProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}

type projectPatchRequest struct {
	SessionData    *project.SessionData    `json:"sessionData"`
	VisionData     *project.VisionData     `json:"visionData"`
	ObjectivesData *project.ObjectivesData `json:"objectivesData"`
	MindsetData    *project.MindsetData    `json:"mindsetData"`
	ActiveModuleID *string                 `json:"activeModuleId"`
}

// handlePatchProject edits tracked fields. The write happens through the
// session's debounced autosave.
func handlePatchProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req projectPatchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		var active project.Stage
		if req.ActiveModuleID != nil {
			st, err := project.ParseStage(*req.ActiveModuleID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			active = st
		}

		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if req.SessionData != nil {
			s.SetSessionData(*req.SessionData)
		}
		if req.VisionData != nil {
			s.SetVision(*req.VisionData)
		}
		if req.ObjectivesData != nil {
			s.SetObjectives(*req.ObjectivesData)
		}
		if req.MindsetData != nil {
			s.SetMindset(*req.MindsetData)
		}
		if active != "" {
			s.SetActiveModule(active)
		}
		writeJSON(w, http.StatusOK, s.Project())
	}
}

func handleDeleteProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		deps.Manager.Forget(id)
		if err := deps.Store.DeleteProject(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		deps.Logger.Info("project deleted", "project_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSave(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if err := s.SaveNow(r.Context()); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func handleNotices(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		notices := s.TakeNotices()
		if notices == nil {
			notices = []session.Notice{}
		}
		writeJSON(w, http.StatusOK, notices)
	}
}

type availabilityRequest struct {
	Label string `json:"label"`
	Hours int    `json:"hours"`
}

func handleAvailability(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req availabilityRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if err := s.SetAvailability(req.Label, req.Hours); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Project().TeamAvailability)
	}
}

func handleAddImpediment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if err := s.AddImpediment(req.Text); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.Project().Impediments)
	}
}

func handleRemoveImpediment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "index must be an integer")
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if err := s.RemoveImpediment(i); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Project().Impediments)
	}
}

// handleExport downloads the project. An open session's state wins over the
// stored record, so edits still waiting for autosave are included.
func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := transfer.Export(r.Context(), deps.Store, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if s, ok := deps.Manager.Get(id); ok {
			doc.State = s.Project()
		}
		var buf bytes.Buffer
		if err := transfer.Write(&buf, doc); err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", transfer.FileName(doc)))
		w.Write(buf.Bytes())
	}
}

func handleImportProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "export file too large")
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		p, err := transfer.Import(r.Context(), deps.Store, data)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		deps.Logger.Info("project imported", "project_id", p.ID, "name", p.SessionData.ProjectName)
		writeJSON(w, http.StatusCreated, p)
	}
}
