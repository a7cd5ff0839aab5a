package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/careflow/pkg/clock"
	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/invalidation"
	"github.com/Mindburn-Labs/careflow/pkg/observability"
	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/rules"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// registrationRules emits an ANC schedule once a holder has a registration
// report: group 1 open at t0, group 2 a week out, group 3 already missed,
// plus an ungrouped delivery reminder.
var registrationRules = rules.Func(func(_ context.Context, h *holder.Holder, _ time.Time) ([]tasks.Emission, error) {
	registered := false
	for _, r := range h.Reports {
		if r.Form == "registration" {
			registered = true
		}
	}
	if !registered {
		return nil, nil
	}
	g := tasks.Group
	return []tasks.Emission{
		{Source: "reg", Sequence: 0, LogicalType: "anc_visit", Group: g(1),
			Window: tasks.Window{Start: t0.Add(-day), Due: t0, End: t0.Add(day)}},
		{Source: "reg", Sequence: 1, LogicalType: "anc_visit", Group: g(2),
			Window: tasks.Window{Start: t0.Add(7 * day), Due: t0.Add(8 * day), End: t0.Add(9 * day)}},
		{Source: "reg", Sequence: 2, LogicalType: "anc_visit", Group: g(3),
			Window: tasks.Window{Start: t0.Add(-10 * day), Due: t0.Add(-10 * day), End: t0.Add(-9 * day)}},
		{Source: "reg", Sequence: 3, LogicalType: "upcoming_delivery",
			Window: tasks.Window{Start: t0.Add(30 * day), Due: t0.Add(35 * day), End: t0.Add(40 * day)}},
	}, nil
})

type fixture struct {
	store *holder.MemoryStore
	clock *clock.Manual
	orch  *Orchestrator
}

func newFixture(t *testing.T, engine rules.Engine, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: holder.NewMemoryStore(), clock: clock.NewManual(t0)}
	for _, id := range []string{"h-1", "h-2"} {
		require.NoError(t, f.store.Save(context.Background(), &holder.Holder{ID: id}))
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	orch, err := New(f.store, engine, invalidation.NewEngine(invalidation.ExplicitGroup{}), opts...)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) register(t *testing.T, holderID string) IngestResult {
	t.Helper()
	res, err := f.orch.IngestReport(context.Background(), report.New("registration", holderID, f.clock.Now()), holderID)
	require.NoError(t, err)
	return res
}

func (f *fixture) load(t *testing.T, holderID string) *holder.Holder {
	t.Helper()
	h, err := f.store.Get(context.Background(), holderID)
	require.NoError(t, err)
	return h
}

func statesByType(h *holder.Holder) map[string][]tasks.State {
	out := make(map[string][]tasks.State)
	for _, t := range h.Tasks {
		out[t.LogicalType] = append(out[t.LogicalType], t.State)
	}
	return out
}

func TestIngestReport_MaterializesEmissions(t *testing.T) {
	f := newFixture(t, registrationRules)

	res := f.register(t, "h-1")
	assert.Empty(t, res.Cleared)
	require.Len(t, res.Materialized, 4)

	h := f.load(t, "h-1")
	require.Len(t, h.Tasks, 4)
	require.Len(t, h.Reports, 1)
	assert.Equal(t, []tasks.State{tasks.StateReady, tasks.StateDraft, tasks.StateFailed}, statesByType(h)["anc_visit"])
	for _, task := range h.Tasks {
		assert.Len(t, task.StateHistory, 1, "task %s", task.ID)
	}
}

func TestIngestReport_ClearsSupersededGroups(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")

	anc := report.New("ANC", "h-1", t0, report.Target{LogicalType: "anc_visit", Group: tasks.Group(2)})
	res, err := f.orch.IngestReport(context.Background(), anc, "h-1")
	require.NoError(t, err)
	assert.Len(t, res.Cleared, 2)
	assert.Empty(t, res.Materialized)

	h := f.load(t, "h-1")
	assert.Equal(t, []tasks.State{tasks.StateCleared, tasks.StateCleared, tasks.StateFailed}, statesByType(h)["anc_visit"])
	assert.Equal(t, []tasks.State{tasks.StateDraft}, statesByType(h)["upcoming_delivery"])
	assert.Len(t, h.Reports, 2)
}

func TestIngestReport_RetriedReportIsNotReapplied(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")

	anc := report.New("ANC", "h-1", t0, report.Target{LogicalType: "anc_visit", Group: tasks.Group(1)})
	_, err := f.orch.IngestReport(context.Background(), anc, "h-1")
	require.NoError(t, err)
	before := f.load(t, "h-1")

	f.clock.Advance(time.Hour)
	res, err := f.orch.IngestReport(context.Background(), anc, "h-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Cleared)
	assert.Empty(t, res.Materialized)

	after := f.load(t, "h-1")
	assert.Equal(t, before.Revision, after.Revision)
	assert.Len(t, after.Reports, 2)
}

func TestIngestReport_HolderNotFound(t *testing.T) {
	f := newFixture(t, registrationRules)

	_, err := f.orch.IngestReport(context.Background(), report.New("registration", "missing", t0), "missing")
	assert.ErrorIs(t, err, holder.ErrHolderNotFound)

	_, err = f.orch.SweepHolder(context.Background(), "missing", t0)
	assert.ErrorIs(t, err, holder.ErrHolderNotFound)
}

func TestIngestReport_RejectsMismatchedHolder(t *testing.T) {
	f := newFixture(t, registrationRules)

	_, err := f.orch.IngestReport(context.Background(), report.New("ANC", "h-2", t0), "h-1")
	assert.ErrorIs(t, err, report.ErrInvalidReport)

	_, err = f.orch.IngestReport(context.Background(), nil, "h-1")
	assert.ErrorIs(t, err, report.ErrInvalidReport)
}

func TestIngestReport_RuleFailureSavesNothing(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")
	before := f.load(t, "h-1")

	boom := errors.New("rule engine down")
	failing, err := New(f.store, rules.Func(func(context.Context, *holder.Holder, time.Time) ([]tasks.Emission, error) {
		return nil, boom
	}), nil, WithClock(f.clock))
	require.NoError(t, err)

	anc := report.New("ANC", "h-1", t0, report.Target{LogicalType: "anc_visit", Group: tasks.Group(2)})
	_, err = failing.IngestReport(context.Background(), anc, "h-1")
	assert.ErrorIs(t, err, ErrRules)
	assert.ErrorIs(t, err, boom)

	after := f.load(t, "h-1")
	assert.Equal(t, before.Revision, after.Revision)
	assert.Len(t, after.Reports, 1)
	assert.Equal(t, statesByType(before), statesByType(after))
}

func TestIngestReport_InvalidEmissionSavesNothing(t *testing.T) {
	engine := rules.Func(func(context.Context, *holder.Holder, time.Time) ([]tasks.Emission, error) {
		return []tasks.Emission{
			{Source: "ok", LogicalType: "anc_visit", Window: tasks.Window{Start: t0, Due: t0, End: t0}},
			{Source: "bad", LogicalType: "anc_visit", Window: tasks.Window{Start: t0.Add(day), Due: t0, End: t0}},
		}, nil
	})
	f := newFixture(t, engine)

	_, err := f.orch.IngestReport(context.Background(), report.New("registration", "h-1", t0), "h-1")
	assert.ErrorIs(t, err, tasks.ErrInvalidWindow)

	h := f.load(t, "h-1")
	assert.Empty(t, h.Tasks)
	assert.Empty(t, h.Reports)
}

type conflictingStore struct {
	*holder.MemoryStore
}

func (s conflictingStore) Save(context.Context, *holder.Holder) error {
	return fmt.Errorf("%w: concurrent writer", holder.ErrConflict)
}

func TestIngestReport_ConflictIsSurfaced(t *testing.T) {
	f := newFixture(t, registrationRules)
	orch, err := New(conflictingStore{f.store}, registrationRules, nil, WithClock(f.clock))
	require.NoError(t, err)

	_, err = orch.IngestReport(context.Background(), report.New("registration", "h-1", t0), "h-1")
	assert.ErrorIs(t, err, holder.ErrConflict)
}

func TestSweepHolder(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")

	later := t0.Add(7*day + time.Hour)
	n, err := f.orch.SweepHolder(context.Background(), "h-1", later)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h := f.load(t, "h-1")
	assert.Equal(t, []tasks.State{tasks.StateFailed, tasks.StateReady, tasks.StateFailed}, statesByType(h)["anc_visit"])

	n, err = f.orch.SweepHolder(context.Background(), "h-1", later)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, h.Revision, f.load(t, "h-1").Revision)
}

func TestListTasks_SweepsAndFilters(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")

	later := t0.Add(31 * day)
	ready, err := f.orch.ListTasks(context.Background(), "h-1", later, tasks.StateReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "upcoming_delivery", ready[0].LogicalType)

	all, err := f.orch.ListTasks(context.Background(), "h-1", later)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	// The read persisted the transitions.
	h := f.load(t, "h-1")
	assert.Len(t, tasks.Filter(h.Tasks, tasks.StateFailed), 3)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, registrationRules)
	res := f.register(t, "h-1")
	id := res.Materialized[1].ID

	ok, err := f.orch.CancelTask(context.Background(), "h-1", id, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.orch.CancelTask(context.Background(), "h-1", id, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, tasks.StateCancelled, f.load(t, "h-1").Task(id).State)

	// Cancelled tasks never re-enter the sweep.
	n, err := f.orch.SweepHolder(context.Background(), "h-1", t0.Add(8*day))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, tasks.StateCancelled, f.load(t, "h-1").Task(id).State)

	_, err = f.orch.CancelTask(context.Background(), "h-1", "nope", t0)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestIngestReport_SerializesSameHolder(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.orch.IngestReport(context.Background(), report.New("visit", "h-1", t0), "h-1")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, f.load(t, "h-1").Reports, 21)
}

func TestIngestReport_RecordsTaskMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	obs, err := observability.NewWithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	f := newFixture(t, registrationRules, WithObservability(obs))

	f.register(t, "h-1")
	anc := report.New("ANC", "h-1", t0, report.Target{LogicalType: "anc_visit", Group: tasks.Group(2)})
	_, err = f.orch.IngestReport(context.Background(), anc, "h-1")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(4), totals["careflow.tasks.materialized"])
	assert.Equal(t, int64(2), totals["careflow.tasks.cleared"])
}

func TestRegisterHolder(t *testing.T) {
	f := newFixture(t, registrationRules)

	h, err := f.orch.RegisterHolder(context.Background(), "h-3", map[string]any{"name": "Amina"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Revision)
	assert.Equal(t, "Amina", f.load(t, "h-3").Fields["name"])

	_, err = f.orch.RegisterHolder(context.Background(), "h-3", nil)
	assert.ErrorIs(t, err, holder.ErrConflict)

	_, err = f.orch.RegisterHolder(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestIngestReport_LeavesCallerReportUntouched(t *testing.T) {
	f := newFixture(t, registrationRules)
	f.register(t, "h-1")

	decomposed := "anc_visit_pré"
	r := &report.Report{
		ID:         "visit-1",
		Form:       "ANC",
		ReportedAt: t0,
		Targets:    []report.Target{{LogicalType: decomposed, Group: tasks.Group(1)}},
	}

	_, err := f.orch.IngestReport(context.Background(), r, "h-1")
	require.NoError(t, err)

	assert.Empty(t, r.HolderID)
	assert.Equal(t, decomposed, r.Targets[0].LogicalType)

	h := f.load(t, "h-1")
	require.Len(t, h.Reports, 2)
	stored := h.Reports[1]
	assert.Equal(t, "h-1", stored.HolderID)
	assert.Equal(t, "anc_visit_pr\u00e9", stored.Targets[0].LogicalType)
}
