package tasks

import (
	"fmt"
	"time"
)

// Window is the span in which a task is actionable, anchored on Due.
type Window struct {
	Start time.Time `json:"start"`
	Due   time.Time `json:"due"`
	End   time.Time `json:"end"`
}

// Validate checks start <= due <= end.
func (w Window) Validate() error {
	if w.Start.After(w.Due) {
		return fmt.Errorf("%w: start %s is after due %s", ErrInvalidWindow,
			w.Start.UTC().Format(time.RFC3339Nano), w.Due.UTC().Format(time.RFC3339Nano))
	}
	if w.Due.After(w.End) {
		return fmt.Errorf("%w: due %s is after end %s", ErrInvalidWindow,
			w.Due.UTC().Format(time.RFC3339Nano), w.End.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// StateAt returns the time-derived state of a task with this window at now.
// Both bounds are inclusive of Ready.
func (w Window) StateAt(now time.Time) State {
	switch {
	case now.Before(w.Start):
		return StateDraft
	case now.After(w.End):
		return StateFailed
	default:
		return StateReady
	}
}

// UTC returns the window with every bound converted to UTC.
func (w Window) UTC() Window {
	return Window{Start: w.Start.UTC(), Due: w.Due.UTC(), End: w.End.UTC()}
}
