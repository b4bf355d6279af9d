package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/v2xlabs/v2xbench/pkg/orchestrator"
	"github.com/v2xlabs/v2xbench/pkg/supervisor"
)

// defaultListLimit caps the number of runs returned without an explicit
// limit parameter.
const defaultListLimit = 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps orchestrator errors to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *orchestrator.ValidationError
		conflictErr   *orchestrator.ConflictError
		spawnErr      *supervisor.SpawnError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{validationErr.Error()})
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, errorResponse{conflictErr.Error()})
	case errors.Is(err, orchestrator.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})
	case errors.Is(err, orchestrator.ErrReportUnavailable):
		writeJSON(w, http.StatusNotFound, errorResponse{"kpi report unavailable"})
	case errors.As(err, &spawnErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{spawnErr.Error()})
	default:
		s.log.WithError(err).Error("Internal error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProfiles returns the known impairment profiles.
func (s *server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"profiles": s.orch.Profiles(),
	})
}

// handleStartRun creates and starts a new experiment run.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	run, err := s.orch.StartRun(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns returns the most recent runs, newest first. Supports
// limit and status query parameters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = parsed
	}

	runs, err := s.orch.ListRuns(r.Context(), limit, r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleCurrentRun returns the currently running run, if any.
func (s *server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetRunningRun(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"no run in progress"})

			return
		}

		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleGetRun returns one run with live timing information.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	status, err := s.orch.GetRunStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCancelRun requests cancellation of a running run and waits for
// the cancelled status to be persisted.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	if err := s.orch.CancelRun(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	status, err := s.orch.GetRunStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleGetReport returns the KPI report of a completed run.
func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	report, err := s.orch.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// runID parses the {id} URL parameter.
func (s *server) runID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"run id must be a positive integer"})

		return 0, false
	}

	return uint(id), true
}
