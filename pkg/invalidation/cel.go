package invalidation

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// ErrPolicy is returned when a group policy cannot be evaluated.
var ErrPolicy = errors.New("group policy error")

// CELGroup evaluates a CEL expression to find the implied group.
//
// The expression sees three variables:
//
//	report          map: id, form, holder_id, reported_at (unix ms), fields
//	target          map: logical_type, and group when the report declares one
//	pending_groups  list(int): distinct groups of pending siblings, ascending
//
// It must return an int. A negative result means "no mapping".
//
// Example, the legacy inference with an explicit override:
//
//	has(target.group) ? target.group : (size(pending_groups) > 0 ? pending_groups[0] : -1)
type CELGroup struct {
	expr string
	prg  cel.Program
}

// NewCELGroup compiles expr once for repeated evaluation.
func NewCELGroup(expr string) (*CELGroup, error) {
	env, err := cel.NewEnv(
		cel.Variable("report", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("pending_groups", cel.ListType(cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrPolicy, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program: %v", ErrPolicy, err)
	}
	return &CELGroup{expr: expr, prg: prg}, nil
}

func (p *CELGroup) ImpliedGroup(r *report.Report, target report.Target, siblings []*tasks.Task) (int, bool, error) {
	t := map[string]any{"logical_type": target.LogicalType}
	if target.Group != nil {
		t["group"] = int64(*target.Group)
	}
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	pending := pendingGroups(siblings)
	if pending == nil {
		pending = []int64{}
	}

	out, _, err := p.prg.Eval(map[string]any{
		"report": map[string]any{
			"id":          r.ID,
			"form":        r.Form,
			"holder_id":   r.HolderID,
			"reported_at": r.ReportedAt.UnixMilli(),
			"fields":      fields,
		},
		"target":         t,
		"pending_groups": pending,
	})
	if err != nil {
		return 0, false, fmt.Errorf("%w: eval %q: %v", ErrPolicy, p.expr, err)
	}

	g, ok := out.Value().(int64)
	if !ok {
		return 0, false, fmt.Errorf("%w: expression %q returned %s, want int", ErrPolicy, p.expr, out.Type().TypeName())
	}
	if g < 0 {
		return 0, false, nil
	}
	return int(g), true, nil
}
