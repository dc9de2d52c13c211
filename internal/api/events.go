package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agilelab/internal/project"
)

const (
	eventBuffer       = 32
	heartbeatInterval = 25 * time.Second
)

// handleEvents streams the project's task changes as server-sent events.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProject(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}

		ctx := r.Context()
		events := make(chan project.TaskEvent, eventBuffer)
		// A client that stops reading loses events rather than stalling writers.
		unsub := deps.Store.SubscribeTaskChanges(id, func(ev project.TaskEvent) {
			select {
			case events <- ev:
			default:
				deps.Logger.Warn("dropping task event for slow stream", "project_id", id, "type", ev.Type)
			}
		})
		defer unsub()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev := <-events:
				payload, err := json.Marshal(ev)
				if err != nil {
					deps.Logger.Warn("encoding task event failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
				flusher.Flush()
			}
		}
	}
}
