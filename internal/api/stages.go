package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agilelab/internal/gemini"
	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/session"
	"github.com/kalambet/agilelab/internal/workshop"
)

// stageInfo is a catalog module with its cascade wiring.
type stageInfo struct {
	workshop.Module
	Generatable bool                            `json:"generatable"`
	ImportsFrom map[workshop.Slot]project.Stage `json:"importsFrom,omitempty"`
}

func describeStage(m workshop.Module) stageInfo {
	info := stageInfo{Module: m, Generatable: session.Generatable(m.Stage)}
	for _, slot := range workshop.Slots(m.Stage) {
		if src, ok := workshop.ResolveImportSource(m.Stage, slot); ok {
			if info.ImportsFrom == nil {
				info.ImportsFrom = make(map[workshop.Slot]project.Stage)
			}
			info.ImportsFrom[slot] = src
		}
	}
	return info
}

func handleStages(w http.ResponseWriter, r *http.Request) {
	mods, err := workshop.Catalog()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]stageInfo, 0, len(mods))
	for _, m := range mods {
		out = append(out, describeStage(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// stageURLParam parses the {stage} URL parameter, key or module id.
func stageURLParam(w http.ResponseWriter, r *http.Request) (project.Stage, bool) {
	st, err := project.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeServiceError(w, err)
		return "", false
	}
	return st, true
}

type stageView struct {
	stageInfo
	Display   string                   `json:"display"`
	Stored    string                   `json:"stored"`
	HasStored bool                     `json:"hasStored"`
	Staging   map[workshop.Slot]string `json:"staging,omitempty"`
}

func handleGetStage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stageURLParam(w, r)
		if !ok {
			return
		}
		mod, err := workshop.ModuleFor(st)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}

		view := stageView{stageInfo: describeStage(mod), Display: s.Display(st)}
		view.Stored, view.HasStored = s.StoredOutput(st)
		for _, slot := range workshop.Slots(st) {
			text, err := s.Staging(st, slot)
			if err != nil {
				continue
			}
			if view.Staging == nil {
				view.Staging = make(map[workshop.Slot]string)
			}
			view.Staging[slot] = text
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type stagingRequest struct {
	Slot string `json:"slot"`
	Text string `json:"text"`
}

func handleSetStaging(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stageURLParam(w, r)
		if !ok {
			return
		}
		var req stagingRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		slot, err := workshop.ParseSlot(req.Slot)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		if err := s.SetStaging(st, slot, req.Text); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleImport copies the source stage's output into the staging field.
// The slot comes from the ?slot= query parameter.
func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stageURLParam(w, r)
		if !ok {
			return
		}
		slot, err := workshop.ParseSlot(r.URL.Query().Get("slot"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		text, err := s.Import(st, slot)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": text})
	}
}

// handleGenerate runs the stage generator. Generation failures are reported
// in the result body with status 200, not as HTTP errors.
func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stageURLParam(w, r)
		if !ok {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		res, err := s.Generate(r.Context(), st)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSetOutput(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stageURLParam(w, r)
		if !ok {
			return
		}
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
		if err := s.SetOutput(st, req.Text); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCoach(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stageURLParam(w, r)
		if !ok {
			return
		}
		var req struct {
			Prompt string `json:"prompt"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		res, err := s.AskCoach(r.Context(), st, req.Prompt)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type renderRequest struct {
	// Image is a data URI or bare base64.
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

func handleRenderRoom(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if !decodeBody(w, r, maxUploadBodySize, &req) {
			return
		}
		img, mimeType, err := gemini.DecodeDataURI(req.Image)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.MimeType != "" {
			mimeType = req.MimeType
		}
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		res, err := s.RenderRoom(r.Context(), img, mimeType)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
