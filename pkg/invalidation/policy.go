package invalidation

import (
	"slices"

	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// Policy decides which group a report implies for one of its targets.
//
// siblings holds every task of the holder with the target's logical type,
// in holder order. ok is false when the policy has no mapping for the
// report, in which case the target clears nothing.
type Policy interface {
	ImpliedGroup(r *report.Report, target report.Target, siblings []*tasks.Task) (group int, ok bool, err error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(r *report.Report, target report.Target, siblings []*tasks.Task) (int, bool, error)

func (f PolicyFunc) ImpliedGroup(r *report.Report, target report.Target, siblings []*tasks.Task) (int, bool, error) {
	return f(r, target, siblings)
}

// ExplicitGroup uses the group the report declares on the target.
type ExplicitGroup struct{}

func (ExplicitGroup) ImpliedGroup(_ *report.Report, target report.Target, _ []*tasks.Task) (int, bool, error) {
	if target.Group == nil {
		return 0, false, nil
	}
	return *target.Group, true, nil
}

// FixedGroups maps report forms to a fixed group, for report types that
// always stand for the same milestone.
type FixedGroups map[string]int

func (m FixedGroups) ImpliedGroup(r *report.Report, _ report.Target, _ []*tasks.Task) (int, bool, error) {
	g, ok := m[r.Form]
	return g, ok, nil
}

// NextPendingGroup implies the lowest group that still has a pending
// (Draft or Ready) sibling: a visit report satisfies the earliest milestone
// not yet reached. With no pending grouped sibling there is no mapping.
type NextPendingGroup struct{}

func (NextPendingGroup) ImpliedGroup(_ *report.Report, _ report.Target, siblings []*tasks.Task) (int, bool, error) {
	groups := pendingGroups(siblings)
	if len(groups) == 0 {
		return 0, false, nil
	}
	return int(groups[0]), true, nil
}

// Chain tries each policy in order and returns the first mapping found.
type Chain []Policy

func (c Chain) ImpliedGroup(r *report.Report, target report.Target, siblings []*tasks.Task) (int, bool, error) {
	for _, p := range c {
		g, ok, err := p.ImpliedGroup(r, target, siblings)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return g, true, nil
		}
	}
	return 0, false, nil
}

// pendingGroups returns the distinct groups of pending siblings, ascending.
func pendingGroups(siblings []*tasks.Task) []int64 {
	seen := make(map[int]bool)
	var out []int64
	for _, t := range siblings {
		if t.Group == nil || t.State.Terminal() || seen[*t.Group] {
			continue
		}
		seen[*t.Group] = true
		out = append(out, int64(*t.Group))
	}
	slices.Sort(out)
	return out
}
