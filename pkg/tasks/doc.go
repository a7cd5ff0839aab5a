// Package tasks models reminder tasks and the two pure operations over them:
// materializing a rule emission into a task document, and sweeping task
// documents against the current instant.
//
// A task's state is derived from its window:
//
//	now < start          Draft
//	start <= now <= end  Ready
//	now > end            Failed
//
// Failed is terminal for the sweep. Cleared and Cancelled are set only by
// real-world events (group invalidation, external cancellation) and are
// ignored by the sweep entirely. Every state change appends one entry to the
// task's history; the history is never rewritten.
package tasks
