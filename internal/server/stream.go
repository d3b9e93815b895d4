package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/repo"
)

// registerRunStream exposes run progress as server-sent events. Both routes
// are poll loops over the event trail: each tick emits any matching events
// appended since the cursor plus a snapshot frame. Plain chi rather than huma
// because SSE needs direct access to the flusher.
//
// The per-run stream closes itself once the run is terminal; the scope-wide
// stream follows the active-run set for the caller's properties and stays open
// until the client disconnects.
func registerRunStream(router chi.Router, basePath string, e engine.Engine) {
	router.Get(basePath+"/runs/stream", scopeStreamHandler(e))
	router.Get(basePath+"/runs/{run_id}/stream", runStreamHandler(e))
}

// runSnapshotFrame is the snapshot payload for a single run. Live flips to
// false on the final frame so clients can tell a settled run from one that is
// still moving.
type runSnapshotFrame struct {
	RunDetailResponse
	Live bool `json:"live"`
}

type scopeSnapshotFrame struct {
	Runs []RunResponse `json:"runs"`
	Live bool          `json:"live"`
}

func runStreamHandler(e engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		runID := chi.URLParam(r, "run_id")
		managerID, authErr := managerIDFromContext(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		scope, err := e.ScopeFor(ctx, managerID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		run, err := e.Repo.GetRunScoped(ctx, runID, scope)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}

		flusher, ok := beginEventStream(w)
		if !ok {
			return
		}

		// Events before the stream opened are covered by the snapshot frame,
		// so the cursor starts at the current tail.
		cursor, err := e.Repo.LatestEventID(ctx, run.PropertyID)
		if err != nil {
			cursor = 0
		}
		if err := emitSnapshot(ctx, w, e, run.ID); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(e.Config.StreamPollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			evts, err := e.Repo.EventsAfter(ctx, 100, cursor, run.PropertyID)
			if err != nil {
				return
			}
			emitted := false
			for _, evt := range evts {
				cursor = evt.ID
				if evt.EntityID != run.ID && !eventBelongsToRun(evt.Payload, run.ID) {
					continue
				}
				writeSSE(w, evt.Type, eventResponse(evt))
				emitted = true
			}

			current, err := e.Repo.GetRun(ctx, run.ID)
			if err != nil {
				return
			}
			if emitted || current.Terminal() {
				if err := emitSnapshot(ctx, w, e, run.ID); err != nil {
					return
				}
			}
			flusher.Flush()
			if current.Terminal() {
				writeSSE(w, "done", map[string]string{"status": current.Status})
				flusher.Flush()
				return
			}
		}
	}
}

func scopeStreamHandler(e engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		managerID, authErr := managerIDFromContext(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		scope, err := e.ScopeFor(ctx, managerID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		properties := scopedProperties(scope, r.URL.Query().Get("property_id"))
		if len(properties) == 0 {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
			return
		}
		inScope := make(map[string]struct{}, len(properties))
		for _, id := range properties {
			inScope[id] = struct{}{}
		}

		flusher, ok := beginEventStream(w)
		if !ok {
			return
		}

		cursor, err := e.Repo.LatestEventID(ctx, "")
		if err != nil {
			cursor = 0
		}
		if err := emitActiveRuns(ctx, w, e, properties); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(e.Config.StreamPollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			evts, err := e.Repo.EventsAfter(ctx, 100, cursor, "")
			if err != nil {
				return
			}
			emitted := false
			for _, evt := range evts {
				cursor = evt.ID
				if _, ok := inScope[evt.PropertyID]; !ok {
					continue
				}
				writeSSE(w, evt.Type, eventResponse(evt))
				emitted = true
			}
			if emitted {
				if err := emitActiveRuns(ctx, w, e, properties); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

func beginEventStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func emitSnapshot(ctx context.Context, w http.ResponseWriter, e engine.Engine, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := e.Repo.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	writeSSE(w, "snapshot", runSnapshotFrame{
		RunDetailResponse: RunDetailResponse{RunResponse: runResponse(run), Steps: mapSteps(steps)},
		Live:              !run.Terminal(),
	})
	return nil
}

// emitActiveRuns sends the current queued and running set as one frame.
func emitActiveRuns(ctx context.Context, w http.ResponseWriter, e engine.Engine, propertyIDs []string) error {
	items := []RunResponse{}
	for _, status := range []string{domain.RunQueued, domain.RunRunning} {
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{PropertyIDs: propertyIDs, Status: status})
		if err != nil {
			return err
		}
		items = append(items, mapRuns(runs)...)
	}
	writeSSE(w, "snapshot", scopeSnapshotFrame{Runs: items, Live: true})
	return nil
}

// eventBelongsToRun matches events whose payload references the run, like
// step and action events that carry a run_id field.
func eventBelongsToRun(payload, runID string) bool {
	if payload == "" {
		return false
	}
	return strings.Contains(payload, fmt.Sprintf(`"run_id":%q`, runID))
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
