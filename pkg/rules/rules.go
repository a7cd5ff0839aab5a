// Package rules is the boundary to the rule layer that decides which tasks
// should exist for a holder.
//
// The lifecycle engine treats the rule layer as a black box producing
// emissions. ScheduleEngine is a declarative implementation driven by YAML
// schedules; anything else can be plugged in through Engine or Func.
package rules

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// Engine computes the emissions for a holder as of now. It must not mutate h.
type Engine interface {
	ComputeEmissions(ctx context.Context, h *holder.Holder, now time.Time) ([]tasks.Emission, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, h *holder.Holder, now time.Time) ([]tasks.Emission, error)

func (f Func) ComputeEmissions(ctx context.Context, h *holder.Holder, now time.Time) ([]tasks.Emission, error) {
	return f(ctx, h, now)
}

// None emits nothing.
var None Engine = Func(func(context.Context, *holder.Holder, time.Time) ([]tasks.Emission, error) {
	return nil, nil
})
