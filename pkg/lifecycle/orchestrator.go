// Package lifecycle orchestrates every holder-scoped task mutation: report
// ingestion, the temporal sweep and external cancellation.
//
// Each operation locks the holder, loads it, mutates it in memory and saves
// it once. Nothing is written if any step before the save fails, so a
// holder is never left with a partial invalidation or a half-materialized
// set of tasks.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/careflow/pkg/clock"
	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/holderlock"
	"github.com/Mindburn-Labs/careflow/pkg/invalidation"
	"github.com/Mindburn-Labs/careflow/pkg/observability"
	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/rules"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

var (
	// ErrTaskNotFound is returned when a holder has no task with the given ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRules wraps failures of the rule layer.
	ErrRules = errors.New("rule evaluation failed")
)

// IngestResult describes what ingesting one report did to its holder.
type IngestResult struct {
	Cleared      []*tasks.Task `json:"cleared"`
	Materialized []*tasks.Task `json:"materialized"`
	// Duplicate is set when the report had already been recorded.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Orchestrator runs lifecycle operations against a holder store.
type Orchestrator struct {
	store       holder.Store
	rules       rules.Engine
	invalidator *invalidation.Engine
	locker      holderlock.Locker
	clock       clock.Clock
	obs         *observability.Provider
	logger      *slog.Logger
	batch       batchConfig
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the in-process KeyedMutex, e.g. with a RedisLocker.
func WithLocker(l holderlock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithClock sets the clock for operations that take no explicit time, such
// as report ingestion.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithObservability records spans and task metrics through p.
func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With("component", "lifecycle") }
}

// New creates an orchestrator. A nil rule engine emits nothing and a nil
// invalidation engine uses ExplicitGroup.
func New(store holder.Store, engine rules.Engine, invalidator *invalidation.Engine, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if engine == nil {
		engine = rules.None
	}
	if invalidator == nil {
		invalidator = invalidation.NewEngine(nil)
	}

	o := &Orchestrator{
		store:       store,
		rules:       engine,
		invalidator: invalidator,
		locker:      holderlock.NewKeyedMutex(),
		clock:       clock.Wall(),
		logger:      slog.Default().With("component", "lifecycle"),
		batch:       defaultBatchConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.obs == nil {
		p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		o.obs = p
	}
	return o, nil
}

// Clock returns the orchestrator's clock.
func (o *Orchestrator) Clock() clock.Clock { return o.clock }

// withHolder locks and loads the holder, runs fn and saves the holder if fn
// reports a change. fn's error aborts without saving.
func (o *Orchestrator) withHolder(ctx context.Context, holderID string, fn func(h *holder.Holder) (bool, error)) error {
	unlock, err := o.locker.Lock(ctx, holderID)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := o.store.Get(ctx, holderID)
	if err != nil {
		return err
	}

	dirty, err := fn(h)
	if err != nil || !dirty {
		return err
	}
	return o.store.Save(ctx, h)
}

// RegisterHolder creates an empty holder. It fails with holder.ErrConflict
// if the ID is already taken.
func (o *Orchestrator) RegisterHolder(ctx context.Context, holderID string, fields map[string]any) (*holder.Holder, error) {
	if holderID == "" {
		return nil, errors.New("lifecycle: holder id is required")
	}
	unlock, err := o.locker.Lock(ctx, holderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h := &holder.Holder{ID: holderID, Fields: fields}
	if err := o.store.Save(ctx, h); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "holder registered", "holder_id", holderID)
	return h, nil
}

// SweepHolder re-evaluates every task of the holder against now and persists
// the transitions. It returns the number of tasks that changed state.
func (o *Orchestrator) SweepHolder(ctx context.Context, holderID string, now time.Time) (n int, err error) {
	ctx, finish := o.obs.TrackOperation(ctx, "careflow.sweep", observability.HolderOperation(holderID)...)
	defer func() { finish(err) }()

	var changed []*tasks.Task
	err = o.withHolder(ctx, holderID, func(h *holder.Holder) (bool, error) {
		changed = tasks.Sweep(tasks.Pending(h.Tasks), now)
		return len(changed) > 0, nil
	})
	if err != nil {
		return 0, err
	}

	o.obs.RecordTransitions(ctx, changed)
	if len(changed) > 0 {
		o.logger.InfoContext(ctx, "holder swept", "holder_id", holderID, "transitioned", len(changed))
	}
	return len(changed), nil
}

// IngestReport records a report against its holder, clears the task groups
// it supersedes, materializes any newly emitted tasks and sweeps the result.
// The holder keeps a normalized copy of r; r itself is not modified.
//
// A report whose ID the holder already recorded is treated as a retry: it is
// not invalidated again, but emissions and the sweep still run.
func (o *Orchestrator) IngestReport(ctx context.Context, r *report.Report, holderID string) (res IngestResult, err error) {
	if r == nil {
		return IngestResult{}, fmt.Errorf("%w: nil report", report.ErrInvalidReport)
	}
	rc := *r
	rc.Targets = append([]report.Target(nil), r.Targets...)
	r = &rc
	if r.HolderID == "" {
		r.HolderID = holderID
	}
	if r.HolderID != holderID {
		return IngestResult{}, fmt.Errorf("%w: report is for holder %q, not %q", report.ErrInvalidReport, r.HolderID, holderID)
	}
	if r.ID == "" || r.ReportedAt.IsZero() {
		return IngestResult{}, fmt.Errorf("%w: report needs an id and a reported_at time", report.ErrInvalidReport)
	}
	r.Normalize()

	ctx, finish := o.obs.TrackOperation(ctx, "careflow.ingest", observability.ReportOperation(holderID, r.ID, r.Form)...)
	defer func() { finish(err) }()

	now := o.clock.Now()
	var changed []*tasks.Task
	err = o.withHolder(ctx, holderID, func(h *holder.Holder) (bool, error) {
		dirty := false
		if h.HasReport(r.ID) {
			res.Duplicate = true
		} else {
			cleared, err := o.invalidator.Invalidate(h.Tasks, r, now)
			if err != nil {
				return false, fmt.Errorf("invalidate report %s: %w", r.ID, err)
			}
			h.Reports = append(h.Reports, r)
			res.Cleared = cleared
			dirty = true
		}

		created, err := o.materialize(ctx, h, now)
		if err != nil {
			return false, err
		}
		res.Materialized = created

		changed = tasks.Sweep(tasks.Pending(h.Tasks), now)
		return dirty || len(created) > 0 || len(changed) > 0, nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	o.obs.RecordCleared(ctx, res.Cleared)
	o.obs.RecordMaterialized(ctx, res.Materialized)
	o.obs.RecordTransitions(ctx, changed)
	observability.AddSpanEvent(ctx, "careflow.report.applied",
		attribute.Bool("duplicate", res.Duplicate),
		attribute.Int("cleared", len(res.Cleared)),
		attribute.Int("materialized", len(res.Materialized)),
	)
	o.logger.InfoContext(ctx, "report ingested",
		"holder_id", holderID,
		"report_id", r.ID,
		"form", r.Form,
		"targets", r.TargetTypes(),
		"duplicate", res.Duplicate,
		"cleared", len(res.Cleared),
		"materialized", len(res.Materialized),
	)
	return res, nil
}

// materialize appends tasks for emissions whose ID the holder does not
// already own. Existing tasks are never replaced.
func (o *Orchestrator) materialize(ctx context.Context, h *holder.Holder, now time.Time) ([]*tasks.Task, error) {
	emissions, err := o.rules.ComputeEmissions(ctx, h, now)
	if err != nil {
		return nil, fmt.Errorf("%w: holder %s: %w", ErrRules, h.ID, err)
	}

	known := make(map[string]bool, len(h.Tasks))
	for _, t := range h.Tasks {
		known[t.ID] = true
	}

	var created []*tasks.Task
	for _, e := range emissions {
		t, err := tasks.Materialize(e, now)
		if err != nil {
			return nil, fmt.Errorf("materialize %s/%d: %w", e.Source, e.Sequence, err)
		}
		if known[t.ID] {
			continue
		}
		known[t.ID] = true
		created = append(created, t)
	}
	h.Tasks = append(h.Tasks, created...)
	return created, nil
}

// ListTasks sweeps the holder as of now, persists any transitions and returns
// its tasks filtered by state. With no states every task is returned.
func (o *Orchestrator) ListTasks(ctx context.Context, holderID string, now time.Time, states ...tasks.State) (out []*tasks.Task, err error) {
	ctx, finish := o.obs.TrackOperation(ctx, "careflow.list", observability.HolderOperation(holderID)...)
	defer func() { finish(err) }()

	var changed []*tasks.Task
	err = o.withHolder(ctx, holderID, func(h *holder.Holder) (bool, error) {
		changed = tasks.Sweep(tasks.Pending(h.Tasks), now)
		out = tasks.Filter(h.Tasks, states...)
		return len(changed) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	o.obs.RecordTransitions(ctx, changed)
	return out, nil
}

// CancelTask moves a non-terminal task to Cancelled. Cancelling a task that
// is already terminal is a no-op and returns false.
func (o *Orchestrator) CancelTask(ctx context.Context, holderID, taskID string, now time.Time) (cancelled bool, err error) {
	ctx, finish := o.obs.TrackOperation(ctx, "careflow.cancel", observability.HolderOperation(holderID)...)
	defer func() { finish(err) }()

	err = o.withHolder(ctx, holderID, func(h *holder.Holder) (bool, error) {
		t := h.Task(taskID)
		if t == nil {
			return false, fmt.Errorf("%w: %s on holder %s", ErrTaskNotFound, taskID, holderID)
		}
		cancelled = t.Cancel(now)
		return cancelled, nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		o.logger.InfoContext(ctx, "task cancelled", "holder_id", holderID, "task_id", taskID)
	}
	return cancelled, nil
}
