package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/careflow/pkg/config"
	"github.com/Mindburn-Labs/careflow/pkg/invalidation"
)

func setEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"REDIS_ADDR", "OTEL_ENABLED", "GROUP_POLICY", "GROUP_POLICY_EXPR", "SWEEP_RPS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "careflow.db")+"?_pragma=busy_timeout(5000)")
	t.Setenv("SCHEDULES_PATH", filepath.Join("testdata", "schedules.yaml"))
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"careflow"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")
	assert.Contains(t, out, "sweep")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_RegisterIngestSweep(t *testing.T) {
	dir := setEnv(t)

	code, out, errOut := run("register", "--id", "h-1", "--fields", `{"district":"north"}`)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "registered h-1")

	code, _, _ = run("register", "--id", "h-1")
	assert.Equal(t, 1, code)

	reports := `[
	  {"id":"r-1","form":"pregnancy_registration","holder_id":"h-1","reported_at":"2026-01-10T08:00:00Z","fields":{"lmp_date":"2026-01-01"}},
	  {"id":"r-2","form":"ANC","holder_id":"h-2","reported_at":"2026-01-10T08:00:00Z"}
	]`
	path := filepath.Join(dir, "reports.json")
	require.NoError(t, os.WriteFile(path, []byte(reports), 0o600))

	code, out, _ = run("ingest", "--file", path)
	assert.Equal(t, 1, code, "h-2 does not exist")
	assert.Contains(t, out, "ok    h-1/r-1: 0 cleared, 3 materialized")
	assert.Contains(t, out, "FAIL  h-2/r-2")

	code, out, errOut = run("ingest", "--file", path, "--register")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ok    h-1/r-1: 0 cleared, 0 materialized")

	code, out, errOut = run("sweep", "--at", "2026-12-01T00:00:00Z", "--json")
	require.Equal(t, 0, code, errOut)
	var lines []sweepLine
	require.NoError(t, json.Unmarshal([]byte(out), &lines))
	require.Len(t, lines, 2)
	assert.Equal(t, "h-1", lines[0].HolderID)
	assert.Empty(t, lines[0].Error)

	code, out, _ = run("sweep", "--holder", "ghost")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL  ghost")
}

func TestRun_IngestRejectsInvalidReports(t *testing.T) {
	dir := setEnv(t)
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"form":"ANC"}`), 0o600))

	code, _, errOut := run("ingest", "--file", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid report")

	code, _, _ = run("ingest")
	assert.Equal(t, 2, code)
}

func TestRun_BadConfig(t *testing.T) {
	setEnv(t)
	t.Setenv("DATABASE_DRIVER", "mongo")

	code, _, errOut := run("sweep")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "DATABASE_DRIVER")
}

func TestGroupPolicy(t *testing.T) {
	for _, name := range []string{"explicit", "next-pending"} {
		p, err := groupPolicy(&config.Config{GroupPolicy: name})
		require.NoError(t, err, name)
		assert.NotNil(t, p)
	}

	p, err := groupPolicy(&config.Config{GroupPolicy: "fixed", GroupPolicyExpr: "delivery=4, PNC=1"})
	require.NoError(t, err)
	chain, ok := p.(invalidation.Chain)
	require.True(t, ok)
	assert.Equal(t, invalidation.FixedGroups{"delivery": 4, "PNC": 1}, chain[1])

	_, err = groupPolicy(&config.Config{GroupPolicy: "fixed", GroupPolicyExpr: "delivery"})
	assert.Error(t, err)

	_, err = groupPolicy(&config.Config{GroupPolicy: "cel", GroupPolicyExpr: "target.group"})
	require.NoError(t, err)

	_, err = groupPolicy(&config.Config{GroupPolicy: "cel", GroupPolicyExpr: "((("})
	assert.Error(t, err)
}
