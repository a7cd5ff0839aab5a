package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/lifecycle"
	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

const maxBodyBytes = 1 << 20

// Handler serves the lifecycle HTTP API.
type Handler struct {
	orch   *lifecycle.Orchestrator
	logger *slog.Logger
}

func NewHandler(orch *lifecycle.Orchestrator) *Handler {
	return &Handler{
		orch:   orch,
		logger: slog.Default().With("component", "api"),
	}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("PUT /api/v1/holders/{id}", h.handleRegister)
	mux.HandleFunc("POST /api/v1/reports", h.handleIngest)
	mux.HandleFunc("POST /api/v1/holders/{id}/sweep", h.handleSweep)
	mux.HandleFunc("GET /api/v1/holders/{id}/tasks", h.handleListTasks)
	mux.HandleFunc("POST /api/v1/holders/{id}/tasks/{taskID}/cancel", h.handleCancel)
}

// IngestResponse summarises an ingested report.
type IngestResponse struct {
	HolderID     string   `json:"holder_id"`
	ReportID     string   `json:"report_id"`
	Duplicate    bool     `json:"duplicate"`
	Cleared      []string `json:"cleared"`
	Materialized []string `json:"materialized"`
}

// SweepResponse reports how many tasks a sweep transitioned.
type SweepResponse struct {
	HolderID string `json:"holder_id"`
	Changed  int    `json:"changed"`
}

// TasksResponse lists a holder's tasks.
type TasksResponse struct {
	HolderID string        `json:"holder_id"`
	Tasks    []*tasks.Task `json:"tasks"`
}

// CancelResponse reports whether a cancellation changed the task.
type CancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterRequest is the optional body of a holder registration.
type RegisterRequest struct {
	Fields map[string]any `json:"fields,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.orch.RegisterHolder(r.Context(), r.PathValue("id"), req.Fields)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	rep, err := report.Parse(raw)
	if err != nil {
		h.logger.DebugContext(r.Context(), "rejected report", "error", err)
		writeServiceError(w, r, err)
		return
	}

	res, err := h.orch.IngestReport(r.Context(), rep, rep.HolderID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{
		HolderID:     rep.HolderID,
		ReportID:     rep.ID,
		Duplicate:    res.Duplicate,
		Cleared:      ids(res.Cleared),
		Materialized: ids(res.Materialized),
	})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	holderID := r.PathValue("id")
	now, err := h.at(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.orch.SweepHolder(r.Context(), holderID, now)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{HolderID: holderID, Changed: n})
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	holderID := r.PathValue("id")
	now, err := h.at(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var states []tasks.State
	for _, s := range r.URL.Query()["state"] {
		state := tasks.State(s)
		if !state.Valid() {
			WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown state %q", s))
			return
		}
		states = append(states, state)
	}

	list, err := h.orch.ListTasks(r.Context(), holderID, now, states...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, TasksResponse{HolderID: holderID, Tasks: list})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	now, err := h.at(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cancelled, err := h.orch.CancelTask(r.Context(), r.PathValue("id"), taskID, now)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{TaskID: taskID, Cancelled: cancelled})
}

// at returns the evaluation instant: the "at" query parameter if present,
// otherwise the orchestrator's clock.
func (h *Handler) at(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("at")
	if v == "" {
		return h.orch.Clock().Now(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid at %q: want RFC 3339", v)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ids(ts []*tasks.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
