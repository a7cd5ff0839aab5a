// Package invalidation clears groups of sibling tasks that a real-world
// report has superseded.
//
// Tasks of one logical type are organised into ascending groups, each a
// successive visit or milestone. A report implies a group for each logical
// type it targets; every pending task of that type at or below the implied
// group is cleared. Later groups, other logical types, ungrouped tasks and
// tasks already terminal (Failed included) are left alone.
package invalidation

import (
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// Engine applies a group Policy to a holder's tasks.
type Engine struct {
	policy Policy
	logger *slog.Logger
}

// NewEngine creates an engine. A nil policy means ExplicitGroup.
func NewEngine(policy Policy) *Engine {
	if policy == nil {
		policy = ExplicitGroup{}
	}
	return &Engine{
		policy: policy,
		logger: slog.Default().With("component", "invalidation"),
	}
}

// Plan returns the tasks Invalidate would clear, without mutating anything.
func (e *Engine) Plan(holderTasks []*tasks.Task, r *report.Report) ([]*tasks.Task, error) {
	var planned []*tasks.Task
	selected := make(map[*tasks.Task]bool)

	for _, target := range r.Targets {
		siblings := ofType(holderTasks, target.LogicalType)
		if len(siblings) == 0 {
			continue
		}

		group, ok, err := e.policy.ImpliedGroup(r, target, siblings)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.logger.Debug("report implies no group",
				"report_id", r.ID, "form", r.Form, "logical_type", target.LogicalType)
			continue
		}

		for _, t := range siblings {
			if selected[t] || t.State.Terminal() || !t.InGroup(group) {
				continue
			}
			selected[t] = true
			planned = append(planned, t)
		}
	}
	return planned, nil
}

// Invalidate clears the tasks the report supersedes and returns them.
//
// Group resolution for every target happens before any task is touched, so
// a policy error leaves holderTasks unchanged.
func (e *Engine) Invalidate(holderTasks []*tasks.Task, r *report.Report, now time.Time) ([]*tasks.Task, error) {
	planned, err := e.Plan(holderTasks, r)
	if err != nil {
		return nil, err
	}
	var cleared []*tasks.Task
	for _, t := range planned {
		if t.Clear(now) {
			cleared = append(cleared, t)
		}
	}
	return cleared, nil
}

func ofType(ts []*tasks.Task, logicalType string) []*tasks.Task {
	var out []*tasks.Task
	for _, t := range ts {
		if t.LogicalType == logicalType {
			out = append(out, t)
		}
	}
	return out
}
