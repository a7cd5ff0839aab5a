// Package holder persists holders (patient registrations) and the task
// documents they own.
//
// Stores are document stores with optimistic concurrency: every holder
// carries a Revision, and Save only succeeds if the stored revision still
// matches the one the caller read. A lost race is reported as ErrConflict and
// is never retried here.
package holder

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

var (
	// ErrHolderNotFound is returned when a holder ID cannot be resolved.
	ErrHolderNotFound = errors.New("holder not found")
	// ErrConflict is returned when a holder was modified since it was read.
	ErrConflict = errors.New("holder revision conflict")
)

// Holder is a patient/registration record owning a collection of tasks.
type Holder struct {
	ID       string `json:"id"`
	Revision int64  `json:"revision"`

	// Fields carries registration data the rule layer reads (e.g. LMP date).
	Fields    map[string]any   `json:"fields,omitempty"`
	Reports   []*report.Report `json:"reports,omitempty"`
	Tasks     []*tasks.Task    `json:"tasks"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Task returns the task with the given ID, or nil.
func (h *Holder) Task(id string) *tasks.Task {
	for _, t := range h.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// HasReport reports whether a report with this ID was already recorded.
func (h *Holder) HasReport(id string) bool {
	for _, r := range h.Reports {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Store is the storage collaborator for holders.
type Store interface {
	// Get returns the holder or ErrHolderNotFound.
	Get(ctx context.Context, id string) (*Holder, error)
	// Save writes h if its Revision matches the stored one, then increments
	// h.Revision. A holder with Revision 0 must not exist yet.
	Save(ctx context.Context, h *Holder) error
	// ListIDs returns every holder ID, ordered.
	ListIDs(ctx context.Context) ([]string, error)
}
