package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/lifecycle"
	"github.com/Mindburn-Labs/careflow/pkg/report"
)

func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file     string
		register bool
	)
	cmd.StringVar(&file, "file", "", "JSON file with one report or an array of reports, - for stdin (REQUIRED)")
	cmd.BoolVar(&register, "register", false, "Create holders that do not exist yet")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	raw, err := readInput(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	reports, err := parseReports(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	svc, ok := loadServices(ctx, stderr)
	if !ok {
		return 1
	}
	defer svc.Close(ctx)

	reqs := make([]lifecycle.IngestRequest, 0, len(reports))
	for _, r := range reports {
		if register {
			if err := ensureHolder(ctx, svc, r.HolderID); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
		}
		reqs = append(reqs, lifecycle.IngestRequest{HolderID: r.HolderID, Report: r})
	}

	failed := 0
	for _, o := range svc.orch.IngestReports(ctx, reqs) {
		if o.Err != nil {
			failed++
			_, _ = fmt.Fprintf(stdout, "FAIL  %s/%s: %v\n", o.HolderID, o.ReportID, o.Err)
			continue
		}
		_, _ = fmt.Fprintf(stdout, "ok    %s/%s: %d cleared, %d materialized\n",
			o.HolderID, o.ReportID, len(o.Result.Cleared), len(o.Result.Materialized))
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func ensureHolder(ctx context.Context, svc *services, id string) error {
	_, err := svc.orch.RegisterHolder(ctx, id, nil)
	if err == nil || errors.Is(err, holder.ErrConflict) {
		return nil
	}
	return err
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseReports accepts a single report object or an array of them.
func parseReports(raw []byte) ([]*report.Report, error) {
	raw = bytes.TrimSpace(raw)
	docs := []json.RawMessage{raw}
	if len(raw) > 0 && raw[0] == '[' {
		docs = nil
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", report.ErrInvalidReport, err)
		}
	}

	out := make([]*report.Report, 0, len(docs))
	for i, doc := range docs {
		r, err := report.Parse(doc)
		if err != nil {
			return nil, fmt.Errorf("report %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
