package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

func runRegisterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("register", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		id     string
		fields string
	)
	cmd.StringVar(&id, "id", "", "Holder ID (REQUIRED)")
	cmd.StringVar(&fields, "fields", "", "Registration fields as a JSON object")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	var f map[string]any
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &f); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --fields: %v\n", err)
			return 2
		}
	}

	ctx := context.Background()
	svc, ok := loadServices(ctx, stderr)
	if !ok {
		return 1
	}
	defer svc.Close(ctx)

	if _, err := svc.orch.RegisterHolder(ctx, id, f); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "registered %s\n", id)
	return 0
}
