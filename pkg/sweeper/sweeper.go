// Package sweeper periodically re-evaluates every holder's tasks so that
// Draft tasks become Ready and Ready tasks become Failed without waiting for
// a read or a report.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/clock"
	"github.com/Mindburn-Labs/careflow/pkg/lifecycle"
)

// HolderLister enumerates the holders to sweep.
type HolderLister interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// Summary describes one pass over all holders.
type Summary struct {
	Holders int
	Changed int
	Failed  int
}

// Sweeper drives lifecycle.Orchestrator.SweepHolders on a fixed interval.
type Sweeper struct {
	orch     *lifecycle.Orchestrator
	holders  HolderLister
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a sweeper. The orchestrator's clock supplies "now".
func New(orch *lifecycle.Orchestrator, holders HolderLister, interval time.Duration) *Sweeper {
	return &Sweeper{
		orch:     orch,
		holders:  holders,
		clock:    orch.Clock(),
		interval: interval,
		logger:   slog.Default().With("component", "sweeper"),
	}
}

// Start begins sweeping in the background, with an initial pass right away.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("sweeper: invalid interval %s", s.interval)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go s.pollLoop(ctx, s.stopCh, s.done)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) pollLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "sweep pass failed", "error", err)
	}
}

// RunOnce sweeps every holder once. Per-holder failures are logged and
// counted; only a failure to list holders is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	ids, err := s.holders.ListIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list holders: %w", err)
	}

	start := time.Now()
	sum := Summary{Holders: len(ids)}
	for _, r := range s.orch.SweepHolders(ctx, ids, s.clock.Now()) {
		if r.Err != nil {
			sum.Failed++
			s.logger.WarnContext(ctx, "holder sweep failed", "holder_id", r.HolderID, "error", r.Err)
			continue
		}
		sum.Changed += r.Changed
	}

	s.logger.InfoContext(ctx, "sweep pass complete",
		"holders", sum.Holders,
		"changed", sum.Changed,
		"failed", sum.Failed,
		"duration", time.Since(start),
	)
	return sum, nil
}
