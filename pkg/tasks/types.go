package tasks

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidWindow is returned when an emission's window is malformed
// (start after due, or due after end).
var ErrInvalidWindow = errors.New("invalid window")

// State defines the lifecycle state of a task.
type State string

const (
	StateDraft     State = "Draft"
	StateReady     State = "Ready"
	StateFailed    State = "Failed"
	StateCleared   State = "Cleared"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateFailed, StateCleared, StateCancelled:
		return true
	}
	return false
}

// Resolved reports whether s was set by a real-world event rather than by
// time. Resolved tasks never re-enter the sweep.
func (s State) Resolved() bool {
	return s == StateCleared || s == StateCancelled
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateReady, StateFailed, StateCleared, StateCancelled:
		return true
	}
	return false
}

// Transition is one entry of a task's state history.
type Transition struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a persisted reminder instance owned by a holder.
type Task struct {
	ID           string            `json:"id"`
	State        State             `json:"state"`
	StateHistory []Transition      `json:"state_history"`
	Window       Window            `json:"window"`
	Group        *int              `json:"group,omitempty"`
	LogicalType  string            `json:"logical_type"`
	Messages     []json.RawMessage `json:"messages,omitempty"`

	// Source and Sequence identify the emission this task was materialized
	// from. ID is derived from them.
	Source   string `json:"source"`
	Sequence int    `json:"sequence"`
}

// Emission is a rule-computed description of a task that should exist.
type Emission struct {
	Source      string            `json:"source"`
	Sequence    int               `json:"sequence"`
	Window      Window            `json:"window"`
	Group       *int              `json:"group,omitempty"`
	LogicalType string            `json:"logical_type"`
	Messages    []json.RawMessage `json:"messages,omitempty"`
}

// NormalizeType trims and NFC-normalises a logical type tag so that visually
// identical tags compare equal.
func NormalizeType(t string) string {
	return norm.NFC.String(strings.TrimSpace(t))
}

// Group returns a pointer to g, for building tasks and emissions inline.
func Group(g int) *int { return &g }

// InGroup reports whether the task belongs to a group at or below g.
// Ungrouped tasks are never in any group.
func (t *Task) InGroup(g int) bool {
	return t.Group != nil && *t.Group <= g
}

// transition moves the task to s and appends the history entry.
func (t *Task) transition(s State, at time.Time) {
	t.State = s
	t.StateHistory = append(t.StateHistory, Transition{State: s, Timestamp: at.UTC()})
}

// Clear marks the task Cleared because a report superseded it.
// It returns false, leaving the task untouched, if the task is already terminal.
func (t *Task) Clear(at time.Time) bool {
	if t.State.Terminal() {
		return false
	}
	t.transition(StateCleared, at)
	return true
}

// Cancel marks the task Cancelled on external request.
// It returns false, leaving the task untouched, if the task is already terminal.
func (t *Task) Cancel(at time.Time) bool {
	if t.State.Terminal() {
		return false
	}
	t.transition(StateCancelled, at)
	return true
}

// Pending returns the tasks that are not in a terminal state.
func Pending(ts []*Task) []*Task {
	var out []*Task
	for _, t := range ts {
		if !t.State.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// Filter returns the tasks whose state is one of states. With no states it
// returns ts unchanged.
func Filter(ts []*Task, states ...State) []*Task {
	if len(states) == 0 {
		return ts
	}
	out := make([]*Task, 0, len(ts))
	for _, t := range ts {
		for _, s := range states {
			if t.State == s {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
