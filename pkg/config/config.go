// Package config loads service configuration from 12-factor environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage
	DatabaseDriver string // memory, sqlite or postgres
	DatabaseURL    string

	// Distributed holder locks. Empty RedisAddr means in-process locks.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// Background sweep
	SweepInterval    time.Duration
	SweepConcurrency int
	SweepRPS         float64

	// Rule layer and invalidation
	SchedulesPath   string
	GroupPolicy     string // explicit, fixed, next-pending or cel
	GroupPolicyExpr string

	// Telemetry
	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	// HTTP rate limiting
	APIRPS   float64
	APIBurst int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		DatabaseDriver:  getenv("DATABASE_DRIVER", "memory"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		SchedulesPath:   os.Getenv("SCHEDULES_PATH"),
		GroupPolicy:     getenv("GROUP_POLICY", "explicit"),
		GroupPolicyExpr: os.Getenv("GROUP_POLICY_EXPR"),
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:    getenv("OTEL_ENDPOINT", "localhost:4317"),
		OTelInsecure:    os.Getenv("OTEL_INSECURE") == "true",
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepConcurrency, err = intEnv("SWEEP_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.SweepRPS, err = floatEnv("SWEEP_RPS", 0); err != nil {
		return nil, err
	}
	if cfg.APIRPS, err = floatEnv("API_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.APIBurst, err = intEnv("API_BURST", 100); err != nil {
		return nil, err
	}

	if cfg.DatabaseDriver == "sqlite" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "file:careflow.db?_pragma=busy_timeout(5000)"
	}
	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "postgres://careflow@localhost:5432/careflow?sslmode=disable"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.GroupPolicy {
	case "explicit", "fixed", "next-pending":
	case "cel":
		if c.GroupPolicyExpr == "" {
			return fmt.Errorf("config: GROUP_POLICY=cel requires GROUP_POLICY_EXPR")
		}
	default:
		return fmt.Errorf("config: unknown GROUP_POLICY %q", c.GroupPolicy)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("config: SWEEP_CONCURRENCY must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
