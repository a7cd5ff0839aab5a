package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/careflow/pkg/config"
)

var allKeys = []string{
	"PORT", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL", "REDIS_ADDR",
	"REDIS_PASSWORD", "REDIS_DB", "LOCK_TTL", "SWEEP_INTERVAL",
	"SWEEP_CONCURRENCY", "SWEEP_RPS", "SCHEDULES_PATH", "GROUP_POLICY",
	"GROUP_POLICY_EXPR", "OTEL_ENABLED", "OTEL_ENDPOINT", "OTEL_INSECURE",
	"API_RPS", "API_BURST",
}

func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the service boots with in-memory storage and
// in-process locks when nothing is configured.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.DatabaseDriver)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, "explicit", cfg.GroupPolicy)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("LOCK_TTL", "10s")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("SWEEP_RPS", "25.5")
	t.Setenv("GROUP_POLICY", "cel")
	t.Setenv("GROUP_POLICY_EXPR", "-1")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 25.5, cfg.SweepRPS)
	assert.Equal(t, "cel", cfg.GroupPolicy)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_DriverDefaultsURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Contains(t, cfg.DatabaseURL, "careflow.db")
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string][2]string{
		"driver":         {"DATABASE_DRIVER", "mongo"},
		"policy":         {"GROUP_POLICY", "magic"},
		"cel needs expr": {"GROUP_POLICY", "cel"},
		"ttl":            {"LOCK_TTL", "soon"},
		"concurrency":    {"SWEEP_CONCURRENCY", "0"},
		"redis db":       {"REDIS_DB", "two"},
		"rps":            {"API_RPS", "fast"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
