package tasks

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialize_InitialStateFromWindow(t *testing.T) {
	now := time.UnixMilli(1000).UTC()

	tests := []struct {
		name   string
		window Window
		want   State
	}{
		{"future window", windowAt(now, day, day+10), StateDraft},
		{"open window", windowAt(now, -day, day), StateReady},
		{"elapsed window", windowAt(now, -4*day, -3*day), StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := Materialize(Emission{Source: "report-1:anc", Window: tt.window, LogicalType: "anc_visit"}, now)
			require.NoError(t, err)

			assert.Equal(t, tt.want, task.State)
			require.Len(t, task.StateHistory, 1)
			assert.Equal(t, tt.want, task.StateHistory[0].State)
			assert.True(t, task.StateHistory[0].Timestamp.Equal(now))
		})
	}
}

func TestMaterialize_CopiesEmissionFields(t *testing.T) {
	now := time.UnixMilli(1000).UTC()
	group := 2
	msg := json.RawMessage(`{"to":"+15550100","message":"ANC visit due"}`)

	e := Emission{
		Source:      "report-7:anc_visits",
		Sequence:    3,
		Window:      windowAt(now, day, 2*day),
		Group:       &group,
		LogicalType: "anc_visit",
		Messages:    []json.RawMessage{msg},
	}
	task, err := Materialize(e, now)
	require.NoError(t, err)

	require.NotNil(t, task.Group)
	assert.Equal(t, 2, *task.Group)
	assert.Equal(t, "anc_visit", task.LogicalType)
	assert.Equal(t, "report-7:anc_visits", task.Source)
	assert.Equal(t, 3, task.Sequence)
	assert.Equal(t, []json.RawMessage{msg}, task.Messages)

	// The task does not alias the emission's group.
	group = 9
	assert.Equal(t, 2, *task.Group)
}

func TestMaterialize_RejectsInvalidWindow(t *testing.T) {
	now := time.UnixMilli(1000).UTC()
	w := Window{Start: now.Add(2 * time.Hour), Due: now.Add(time.Hour), End: now.Add(3 * time.Hour)}

	task, err := Materialize(Emission{Source: "r", Window: w}, now)
	assert.Nil(t, task)
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestMaterialize_RequiresSource(t *testing.T) {
	now := time.UnixMilli(1000).UTC()
	_, err := Materialize(Emission{Window: windowAt(now, day, day)}, now)
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestTaskID_StablePerSourceAndSequence(t *testing.T) {
	a, err := TaskID("report-1:anc_visits", 0)
	require.NoError(t, err)
	b, err := TaskID("report-1:anc_visits", 0)
	require.NoError(t, err)
	c, err := TaskID("report-1:anc_visits", 1)
	require.NoError(t, err)
	d, err := TaskID("report-2:anc_visits", 0)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 36)
}

func TestMaterialize_NormalizesLogicalType(t *testing.T) {
	now := time.UnixMilli(1000).UTC()

	task, err := Materialize(Emission{
		Source:      "report-1:pnc",
		Window:      windowAt(now, day, 2*day),
		LogicalType: " visite_pre\u0301natale ",
	}, now)
	require.NoError(t, err)
	assert.Equal(t, "visite_pr\u00e9natale", task.LogicalType)
}
