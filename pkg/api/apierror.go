// Package api exposes the lifecycle orchestrator over HTTP. Errors are
// RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/holderlock"
	"github.com/Mindburn-Labs/careflow/pkg/lifecycle"
	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://careflow.mindburn.dev/errors/%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// err is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "component", "api", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

// writeServiceError maps orchestrator errors to problem responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, holder.ErrHolderNotFound), errors.Is(err, lifecycle.ErrTaskNotFound):
		WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, holder.ErrConflict):
		WriteError(w, r, http.StatusConflict, "The holder was modified concurrently. Retry the request.")
	case errors.Is(err, tasks.ErrInvalidWindow):
		WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, report.ErrInvalidReport):
		WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, holderlock.ErrLockNotAcquired):
		w.Header().Set("Retry-After", "1")
		WriteError(w, r, http.StatusServiceUnavailable, "The holder is busy. Retry the request.")
	default:
		WriteInternal(w, r, err)
	}
}
