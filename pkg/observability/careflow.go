package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// Careflow semantic convention attributes.
var (
	AttrOperation   = attribute.Key("careflow.operation")
	AttrHolderID    = attribute.Key("careflow.holder.id")
	AttrReportID    = attribute.Key("careflow.report.id")
	AttrReportForm  = attribute.Key("careflow.report.form")
	AttrLogicalType = attribute.Key("careflow.task.logical_type")
	AttrTaskState   = attribute.Key("careflow.task.state")
)

func (p *Provider) initTaskMetrics() error {
	var err error

	p.transitioned, err = p.meter.Int64Counter("careflow.tasks.transitioned",
		metric.WithDescription("Task state transitions applied by the sweep"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	p.cleared, err = p.meter.Int64Counter("careflow.tasks.cleared",
		metric.WithDescription("Tasks cleared by report-driven group invalidation"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.materialized, err = p.meter.Int64Counter("careflow.tasks.materialized",
		metric.WithDescription("Tasks materialized from rule emissions"),
		metric.WithUnit("{task}"),
	)
	return err
}

// HolderOperation creates attributes for a holder-scoped operation.
func HolderOperation(holderID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrHolderID.String(holderID)}
}

// ReportOperation creates attributes for report ingestion.
func ReportOperation(holderID, reportID, form string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrHolderID.String(holderID),
		AttrReportID.String(reportID),
		AttrReportForm.String(form),
	}
}

// RecordTransitions counts sweep transitions by logical type and new state.
func (p *Provider) RecordTransitions(ctx context.Context, changed []*tasks.Task) {
	record(ctx, p.transitioned, changed)
}

// RecordCleared counts tasks cleared by invalidation.
func (p *Provider) RecordCleared(ctx context.Context, cleared []*tasks.Task) {
	record(ctx, p.cleared, cleared)
}

// RecordMaterialized counts newly materialized tasks by initial state.
func (p *Provider) RecordMaterialized(ctx context.Context, created []*tasks.Task) {
	record(ctx, p.materialized, created)
}

func record(ctx context.Context, c metric.Int64Counter, ts []*tasks.Task) {
	if c == nil {
		return
	}
	for _, t := range ts {
		c.Add(ctx, 1, metric.WithAttributes(
			AttrLogicalType.String(t.LogicalType),
			AttrTaskState.String(string(t.State)),
		))
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
