package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/lifecycle"
	"github.com/Mindburn-Labs/careflow/pkg/sweeper"
)

func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		holders    string
		at         string
		jsonOutput bool
	)
	cmd.StringVar(&holders, "holder", "", "Comma-separated holder IDs (default: all holders)")
	cmd.StringVar(&at, "at", "", "Evaluate as of this RFC 3339 instant (default: now)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output per-holder results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	svc, ok := loadServices(ctx, stderr)
	if !ok {
		return 1
	}
	defer svc.Close(ctx)

	now := svc.orch.Clock().Now()
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --at: %v\n", err)
			return 2
		}
		now = t.UTC()
	}

	var ids []string
	if holders != "" {
		for _, id := range strings.Split(holders, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	} else {
		var err error
		if ids, err = svc.store.ListIDs(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	results := svc.orch.SweepHolders(ctx, ids, now)
	return printSweepResults(stdout, results, jsonOutput)
}

type sweepLine struct {
	HolderID string `json:"holder_id"`
	Changed  int    `json:"changed"`
	Error    string `json:"error,omitempty"`
}

func printSweepResults(w io.Writer, results []lifecycle.SweepResult, jsonOutput bool) int {
	sum := sweeper.Summary{Holders: len(results)}
	lines := make([]sweepLine, 0, len(results))
	for _, r := range results {
		line := sweepLine{HolderID: r.HolderID, Changed: r.Changed}
		if r.Err != nil {
			line.Error = r.Err.Error()
			sum.Failed++
		}
		sum.Changed += r.Changed
		lines = append(lines, line)
	}

	if jsonOutput {
		_ = json.NewEncoder(w).Encode(lines)
	} else {
		for _, l := range lines {
			if l.Error != "" {
				_, _ = fmt.Fprintf(w, "FAIL  %s: %s\n", l.HolderID, l.Error)
				continue
			}
			_, _ = fmt.Fprintf(w, "ok    %s: %d changed\n", l.HolderID, l.Changed)
		}
		_, _ = fmt.Fprintf(w, "%d holders, %d tasks changed, %d failed\n", sum.Holders, sum.Changed, sum.Failed)
	}
	if sum.Failed > 0 {
		return 1
	}
	return 0
}
