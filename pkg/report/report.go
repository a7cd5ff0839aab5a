// Package report defines the real-world reports that drive group invalidation.
//
// A report names the logical task types it supersedes explicitly, through its
// Targets. Nothing about which reminders a report clears is inferred from the
// shape of its Fields.
package report

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// ErrInvalidReport is returned when a report payload fails validation.
var ErrInvalidReport = errors.New("invalid report")

// Target names a logical task type a report supersedes. Group is optional;
// when nil, the invalidation policy decides which group the report implies.
type Target struct {
	LogicalType string `json:"logical_type"`
	Group       *int   `json:"group,omitempty"`
}

// Report is an incoming real-world report about a holder.
type Report struct {
	ID         string         `json:"id"`
	Form       string         `json:"form"`
	HolderID   string         `json:"holder_id"`
	ReportedAt time.Time      `json:"reported_at"`
	Fields     map[string]any `json:"fields,omitempty"`
	Targets    []Target       `json:"targets,omitempty"`
}

// New returns a report with a fresh ID.
func New(form, holderID string, reportedAt time.Time, targets ...Target) *Report {
	r := &Report{
		ID:         uuid.New().String(),
		Form:       form,
		HolderID:   holderID,
		ReportedAt: reportedAt.UTC(),
		Targets:    targets,
	}
	r.Normalize()
	return r
}

// Normalize canonicalises logical type tags so that visually identical tags
// compare equal.
func (r *Report) Normalize() {
	for i := range r.Targets {
		r.Targets[i].LogicalType = NormalizeType(r.Targets[i].LogicalType)
	}
	r.ReportedAt = r.ReportedAt.UTC()
}

// NormalizeType trims and NFC-normalises a logical type tag, the same way
// tasks are tagged when materialized.
func NormalizeType(t string) string {
	return tasks.NormalizeType(t)
}

// TargetTypes returns the distinct logical types the report targets, in
// declaration order.
func (r *Report) TargetTypes() []string {
	seen := make(map[string]bool, len(r.Targets))
	out := make([]string, 0, len(r.Targets))
	for _, t := range r.Targets {
		if t.LogicalType == "" || seen[t.LogicalType] {
			continue
		}
		seen[t.LogicalType] = true
		out = append(out, t.LogicalType)
	}
	return out
}
