package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alekspetrov/warden/internal/executor"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// apiActor is recorded in the audit log for operator API calls.
const apiActor = "operator:api"

const maxBodyBytes = 1 << 20

type moveRequest struct {
	Status string `json:"status"`
}

type healthResponse struct {
	State               health.State       `json:"state"`
	Usable              bool               `json:"usable"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastFailureAt       *time.Time         `json:"last_failure_at,omitempty"`
	LastResetAt         *time.Time         `json:"last_reset_at,omitempty"`
	DailyResetAt        *time.Time         `json:"daily_reset_at,omitempty"`
	LastFailureKind     health.FailureKind `json:"last_failure_kind,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.TaskFilter
	for _, raw := range q["status"] {
		for _, v := range strings.Split(raw, ",") {
			st, err := task.ParseStatus(strings.TrimSpace(v))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.AgentID, err = intParam(q.Get("agent_id")); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent_id: %w", err))
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}
	f.Limit = int(limit)

	tasks, err := s.deps.Reader.ListTasks(f)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var d task.Draft
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.deps.Operator.CreateTask(r.Context(), d, apiActor)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Reader.GetTask(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := task.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.deps.Operator.MoveTask(r.Context(), id, to, apiActor)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Operator.ResumeTask(r.Context(), id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "resumed": true})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Reader.GetTask(id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	entries, err := s.deps.Reader.ListExecutionLog(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Health.Snapshot()
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		State:               snap.State,
		Usable:              snap.State.Usable(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastFailureAt:       snap.LastFailureAt,
		LastResetAt:         snap.LastResetAt,
		DailyResetAt:        snap.DailyResetAt,
		LastFailureKind:     snap.LastFailureKind,
		LastError:           snap.LastError,
	})
}

func (s *Server) handleResetHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Operator.ResetHealth(r.Context(), apiActor); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.handleGetHealth(w, r)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	var err error
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("since: %w", err))
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("until: %w", err))
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}
	f.Limit = int(limit)

	entries, err := s.deps.Reader.ListAudit(f)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.deps.Reader.ListPipelines()
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// writeAPIError maps domain errors onto status codes.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrInvalidDraft):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, task.ErrApprovalRequired),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, executor.ErrTaskNotRunnable),
		errors.Is(err, executor.ErrNoResumePoint):
		writeError(w, http.StatusConflict, err)
	default:
		s.log.Error("API request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid task id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func intParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return n, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
