package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/careflow/pkg/config"
	"github.com/Mindburn-Labs/careflow/pkg/holder"
	"github.com/Mindburn-Labs/careflow/pkg/holderlock"
	"github.com/Mindburn-Labs/careflow/pkg/invalidation"
	"github.com/Mindburn-Labs/careflow/pkg/lifecycle"
	"github.com/Mindburn-Labs/careflow/pkg/observability"
	"github.com/Mindburn-Labs/careflow/pkg/rules"
)

// services is the wired dependency graph shared by every command.
type services struct {
	cfg    *config.Config
	db     *sql.DB
	store  holder.Store
	redis  *holderlock.RedisLocker
	obs    *observability.Provider
	orch   *lifecycle.Orchestrator
	logger *slog.Logger
}

func buildServices(ctx context.Context, cfg *config.Config) (_ *services, err error) {
	s := &services{cfg: cfg, logger: slog.Default().With("component", "careflow")}
	defer func() {
		if err != nil {
			s.Close(ctx)
		}
	}()

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	if s.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	policy, err := groupPolicy(cfg)
	if err != nil {
		return nil, err
	}

	var engine rules.Engine = rules.None
	if cfg.SchedulesPath != "" {
		sched, err := rules.LoadSchedules(cfg.SchedulesPath)
		if err != nil {
			return nil, err
		}
		engine = sched
	} else {
		s.logger.WarnContext(ctx, "SCHEDULES_PATH not set; no tasks will be materialized")
	}

	opts := []lifecycle.Option{
		lifecycle.WithObservability(s.obs),
		lifecycle.WithConcurrency(cfg.SweepConcurrency),
		lifecycle.WithRateLimit(cfg.SweepRPS, cfg.SweepConcurrency),
	}
	if cfg.RedisAddr != "" {
		s.redis = holderlock.NewRedisLockerAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTTL)
		if err := s.redis.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, lifecycle.WithLocker(s.redis))
		s.logger.InfoContext(ctx, "using redis holder locks", "addr", cfg.RedisAddr)
	}

	if s.orch, err = lifecycle.New(s.store, engine, invalidation.NewEngine(policy), opts...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *services) openStore(ctx context.Context) error {
	switch s.cfg.DatabaseDriver {
	case "memory":
		s.store = holder.NewMemoryStore()
		s.logger.WarnContext(ctx, "using in-memory holder store; data is lost on exit")
	case "sqlite":
		db, err := sql.Open("sqlite", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		s.db = db
		store, err := holder.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		s.store = store
	case "postgres":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		s.db = db
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		store := holder.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
		s.store = store
	default:
		return fmt.Errorf("unknown database driver %q", s.cfg.DatabaseDriver)
	}
	s.logger.InfoContext(ctx, "holder store ready", "driver", s.cfg.DatabaseDriver)
	return nil
}

// groupPolicy builds the invalidation policy. Explicit report targets always
// win; the configured policy covers targets that name no group.
func groupPolicy(cfg *config.Config) (invalidation.Policy, error) {
	switch cfg.GroupPolicy {
	case "explicit":
		return invalidation.ExplicitGroup{}, nil
	case "fixed":
		groups, err := parseFixedGroups(cfg.GroupPolicyExpr)
		if err != nil {
			return nil, err
		}
		return invalidation.Chain{invalidation.ExplicitGroup{}, groups}, nil
	case "next-pending":
		return invalidation.Chain{invalidation.ExplicitGroup{}, invalidation.NextPendingGroup{}}, nil
	case "cel":
		p, err := invalidation.NewCELGroup(cfg.GroupPolicyExpr)
		if err != nil {
			return nil, err
		}
		return invalidation.Chain{invalidation.ExplicitGroup{}, p}, nil
	}
	return nil, fmt.Errorf("unknown group policy %q", cfg.GroupPolicy)
}

// parseFixedGroups reads "FORM=group" pairs separated by commas.
func parseFixedGroups(expr string) (invalidation.FixedGroups, error) {
	groups := invalidation.FixedGroups{}
	for _, pair := range strings.Split(expr, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		form, g, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("fixed group policy: %q is not FORM=group", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(g))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("fixed group policy: bad group in %q", pair)
		}
		groups[strings.TrimSpace(form)] = n
	}
	return groups, nil
}

// Close releases connections and flushes telemetry.
func (s *services) Close(ctx context.Context) {
	if s.obs != nil {
		_ = s.obs.Shutdown(ctx)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.WarnContext(ctx, "redis close failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.WarnContext(ctx, "database close failed", "error", err)
		}
	}
}

// setupLogging installs a JSON slog handler at the configured level.
func setupLogging(cfg *config.Config, w io.Writer) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

// loadServices reads configuration and wires services, reporting failures
// on stderr.
func loadServices(ctx context.Context, stderr io.Writer) (*services, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	setupLogging(cfg, stderr)
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return svc, true
}
