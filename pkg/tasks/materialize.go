package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// taskNamespace scopes name-based task IDs so they cannot collide with
// UUIDs minted for other record kinds.
var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://careflow.mindburn.dev/tasks"))

// TaskID returns the stable identifier for the task emitted by source at
// sequence. The same pair always yields the same ID.
func TaskID(source string, sequence int) (string, error) {
	raw, err := json.Marshal(struct {
		Source   string `json:"source"`
		Sequence int    `json:"sequence"`
	}{source, sequence})
	if err != nil {
		return "", fmt.Errorf("task id: marshal key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("task id: canonicalize key: %w", err)
	}
	return uuid.NewSHA1(taskNamespace, canonical).String(), nil
}

// Materialize converts an emission into a task document as of now.
//
// The initial state follows the same window rule as Sweep, so an emission
// materialized after its window has elapsed is born Failed. The history
// holds exactly one entry: the initial state at now. The logical type is
// normalized with NormalizeType.
func Materialize(e Emission, now time.Time) (*Task, error) {
	if err := e.Window.Validate(); err != nil {
		return nil, err
	}
	if e.Source == "" {
		return nil, fmt.Errorf("%w: emission has no source", ErrInvalidWindow)
	}

	id, err := TaskID(e.Source, e.Sequence)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:          id,
		Window:      e.Window.UTC(),
		LogicalType: NormalizeType(e.LogicalType),
		Messages:    e.Messages,
		Source:      e.Source,
		Sequence:    e.Sequence,
	}
	if e.Group != nil {
		t.Group = Group(*e.Group)
	}
	t.transition(t.Window.StateAt(now), now)
	return t, nil
}
