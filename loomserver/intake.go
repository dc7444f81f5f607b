package loomserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tangled.org/loom/loomserver/models"
	"tangled.org/loom/loomserver/scheduler"
	"tangled.org/loom/workflow"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Intake accepts a repository event and admits a run for it. The
// response distinguishes "no run needed" (no jobs matched) from
// "run admitted" and from rejections.
func (s *Loom) Intake(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Intake")

	var ev workflow.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	ev.Branch = workflow.NormalizeRef(ev.Branch)

	switch ev.Kind {
	case workflow.TriggerKindPush, workflow.TriggerKindPullRequest, workflow.TriggerKindManual:
	default:
		writeError(w, "unknown event type", http.StatusBadRequest)
		return
	}
	if ev.Repo == "" || ev.Branch == "" || ev.CommitSHA == "" {
		writeError(w, "repository, branch and commit_sha are required", http.StatusBadRequest)
		return
	}

	// a push may have changed the pipeline file itself
	if ev.Kind == workflow.TriggerKindPush {
		s.store.Invalidate(ev.Repo)
	}

	def, err := s.store.Get(ev.Repo)
	if err != nil {
		var parseErr *workflow.ParseError
		var validationErr *workflow.ValidationError
		switch {
		case errors.Is(err, workflow.ErrNoDefinition):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.As(err, &parseErr), errors.As(err, &validationErr):
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			l.Error("failed to load definition", "repo", ev.Repo, "error", err)
			writeError(w, "failed to load definition", http.StatusInternalServerError)
		}
		return
	}

	id, err := s.sched.Submit(ev, def)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": string(id)})

	case errors.Is(err, scheduler.ErrNoMatchingJobs):
		writeJSON(w, http.StatusOK, map[string]string{"status": "no jobs matched"})

	case errors.Is(err, scheduler.ErrConcurrencyExceeded), errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, err.Error(), http.StatusTooManyRequests)

	case errors.Is(err, scheduler.ErrDefinitionInvalid):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)

	default:
		l.Error("failed to admit run", "repo", ev.Repo, "error", err)
		writeError(w, "failed to admit run", http.StatusInternalServerError)
	}
}

func (s *Loom) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	runs, err := s.db.GetRuns(limit)
	if err != nil {
		s.l.Error("failed to list runs", "error", err)
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *Loom) GetRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunID(chi.URLParam(r, "id"))

	run, err := s.db.GetRun(id)
	if err != nil {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Loom) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunID(chi.URLParam(r, "id"))

	err := s.sched.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, scheduler.ErrUnknownRun):
		// already terminal, or never existed
		if run, dbErr := s.db.GetRun(id); dbErr == nil && run.Status.Terminal() {
			writeJSON(w, http.StatusOK, map[string]string{"status": string(run.Status)})
			return
		}
		writeError(w, "run not found", http.StatusNotFound)
	default:
		s.l.Error("failed to cancel run", "run", id, "error", err)
		writeError(w, "failed to cancel run", http.StatusInternalServerError)
	}
}
