package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/report"
	"github.com/Mindburn-Labs/careflow/pkg/tasks"
)

// ErrInvalidSchedule is returned when a schedule file cannot be used.
var ErrInvalidSchedule = errors.New("invalid schedule")

// SupportedVersions is the schedule file format this engine understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// ScheduleFile is the YAML document holding schedule definitions.
type ScheduleFile struct {
	Version   string     `yaml:"version"`
	Schedules []Schedule `yaml:"schedules"`
}

// Schedule emits a series of grouped reminders whenever a report of the
// trigger form is recorded for a holder.
type Schedule struct {
	Name        string `yaml:"name"`
	LogicalType string `yaml:"logical_type"`
	Trigger     string `yaml:"trigger"`

	// Anchor names the report field holding the date offsets are measured
	// from. Empty means the report's own timestamp.
	Anchor string          `yaml:"anchor,omitempty"`
	Tasks  []ScheduledTask `yaml:"tasks"`
}

// ScheduledTask is one reminder of a schedule.
type ScheduledTask struct {
	Group    *int     `yaml:"group,omitempty"`
	Due      Offset   `yaml:"due"`
	Start    Offset   `yaml:"start,omitempty"`
	End      Offset   `yaml:"end,omitempty"`
	Messages []string `yaml:"messages,omitempty"`
}

// Offset is a duration that also accepts day ("3d") and week ("16w") units.
type Offset time.Duration

func (o *Offset) UnmarshalYAML(node *yaml.Node) error {
	d, err := ParseOffset(node.Value)
	if err != nil {
		return err
	}
	*o = Offset(d)
	return nil
}

// ParseOffset parses Go duration syntax plus whole "d" and "w" units.
func ParseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	}
	if unit != 0 {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: offset %q", ErrInvalidSchedule, s)
		}
		if limit := int64(math.MaxInt64 / unit); n > limit || n < -limit {
			return 0, fmt.Errorf("%w: offset %q out of range", ErrInvalidSchedule, s)
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q", ErrInvalidSchedule, s)
	}
	return d, nil
}

// ScheduleEngine is an Engine driven by schedule definitions.
type ScheduleEngine struct {
	schedules []Schedule
	logger    *slog.Logger
}

// LoadSchedules reads and validates a schedule file.
func LoadSchedules(path string) (*ScheduleEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}
	return ParseSchedules(data)
}

// ParseSchedules validates a schedule document.
func ParseSchedules(data []byte) (*ScheduleEngine, error) {
	var file ScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	v, err := semver.NewVersion(file.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidSchedule, file.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("%w: version %s not in %s", ErrInvalidSchedule, v, SupportedVersions)
	}

	names := make(map[string]bool)
	for i := range file.Schedules {
		s := &file.Schedules[i]
		s.LogicalType = report.NormalizeType(s.LogicalType)
		switch {
		case s.Name == "":
			return nil, fmt.Errorf("%w: schedule %d has no name", ErrInvalidSchedule, i)
		case names[s.Name]:
			return nil, fmt.Errorf("%w: duplicate schedule %q", ErrInvalidSchedule, s.Name)
		case s.LogicalType == "":
			return nil, fmt.Errorf("%w: schedule %q has no logical_type", ErrInvalidSchedule, s.Name)
		case s.Trigger == "":
			return nil, fmt.Errorf("%w: schedule %q has no trigger", ErrInvalidSchedule, s.Name)
		}
		names[s.Name] = true
		for j, t := range s.Tasks {
			if t.Start < 0 || t.End < 0 {
				return nil, fmt.Errorf("%w: schedule %q task %d has a negative window", ErrInvalidSchedule, s.Name, j)
			}
		}
	}

	return NewScheduleEngine(file.Schedules), nil
}

// NewScheduleEngine creates an engine from already validated schedules.
func NewScheduleEngine(schedules []Schedule) *ScheduleEngine {
	return &ScheduleEngine{
		schedules: schedules,
		logger:    slog.Default().With("component", "rules"),
	}
}

// ComputeEmissions emits every scheduled task for every trigger report the
// holder has recorded. Emissions are deterministic, so recomputing them
// yields the same task IDs.
func (e *ScheduleEngine) ComputeEmissions(ctx context.Context, h *holder.Holder, _ time.Time) ([]tasks.Emission, error) {
	var out []tasks.Emission
	for _, s := range e.schedules {
		for _, r := range h.Reports {
			if r.Form != s.Trigger {
				continue
			}
			anchor, ok := anchorTime(r, s.Anchor)
			if !ok {
				e.logger.DebugContext(ctx, "report has no usable anchor",
					"schedule", s.Name, "report_id", r.ID, "anchor", s.Anchor)
				continue
			}
			emissions, err := s.emit(r, anchor)
			if err != nil {
				return nil, err
			}
			out = append(out, emissions...)
		}
	}
	return out, nil
}

func (s Schedule) emit(r *report.Report, anchor time.Time) ([]tasks.Emission, error) {
	out := make([]tasks.Emission, 0, len(s.Tasks))
	for i, t := range s.Tasks {
		due := anchor.Add(time.Duration(t.Due))
		msgs := make([]json.RawMessage, 0, len(t.Messages))
		for _, m := range t.Messages {
			raw, err := json.Marshal(map[string]string{"message": m, "schedule": s.Name})
			if err != nil {
				return nil, fmt.Errorf("failed to encode message: %w", err)
			}
			msgs = append(msgs, raw)
		}
		e := tasks.Emission{
			Source:   r.ID + ":" + s.Name,
			Sequence: i,
			Window: tasks.Window{
				Start: due.Add(-time.Duration(t.Start)),
				Due:   due,
				End:   due.Add(time.Duration(t.End)),
			},
			LogicalType: s.LogicalType,
			Messages:    msgs,
		}
		if t.Group != nil {
			e.Group = tasks.Group(*t.Group)
		}
		out = append(out, e)
	}
	return out, nil
}

// anchorTime resolves the instant a schedule is measured from. Field values
// may be RFC 3339 timestamps, YYYY-MM-DD dates or unix milliseconds.
func anchorTime(r *report.Report, field string) (time.Time, bool) {
	if field == "" {
		return r.ReportedAt, !r.ReportedAt.IsZero()
	}
	switch v := r.Fields[field].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(time.DateOnly, v); err == nil {
			return t.UTC(), true
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return time.Time{}, false
}
