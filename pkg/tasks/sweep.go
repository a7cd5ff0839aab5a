package tasks

import "time"

// Sweep re-evaluates every task against now and returns the ones whose state
// changed. Changed tasks are mutated in place.
//
// Cleared and Cancelled tasks are skipped, and Failed is never left, even if
// now is earlier than the instant the task failed at. Calling Sweep twice
// with the same now returns nothing the second time.
func Sweep(ts []*Task, now time.Time) []*Task {
	var changed []*Task
	for _, t := range ts {
		if t.State.Resolved() || t.State == StateFailed {
			continue
		}
		target := t.Window.StateAt(now)
		if target == t.State {
			continue
		}
		t.transition(target, now)
		changed = append(changed, t)
	}
	return changed
}
