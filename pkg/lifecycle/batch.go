package lifecycle

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/careflow/pkg/report"
)

type batchConfig struct {
	concurrency int
	limiter     *rate.Limiter
}

func defaultBatchConfig() batchConfig {
	return batchConfig{concurrency: runtime.GOMAXPROCS(0)}
}

// WithConcurrency bounds how many holders a batch processes at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batch.concurrency = n
		}
	}
}

// WithRateLimit paces batch submissions to rps holders per second. Zero or
// less disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Orchestrator) {
		if rps <= 0 {
			o.batch.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.batch.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// SweepResult is the outcome of sweeping one holder in a batch.
type SweepResult struct {
	HolderID string
	Changed  int
	Err      error
}

// IngestRequest pairs a report with the holder it is filed against.
type IngestRequest struct {
	HolderID string
	Report   *report.Report
}

// IngestOutcome is the outcome of ingesting one report in a batch.
type IngestOutcome struct {
	HolderID string
	ReportID string
	Result   IngestResult
	Err      error
}

// SweepHolders sweeps every holder and returns one result per ID, in input
// order. A failing holder does not stop the others. Holders never reached
// because ctx ended carry ctx's error.
func (o *Orchestrator) SweepHolders(ctx context.Context, holderIDs []string, now time.Time) []SweepResult {
	results := make([]SweepResult, len(holderIDs))
	for i, id := range holderIDs {
		results[i].HolderID = id
	}

	o.runBatch(ctx, len(holderIDs), func(ctx context.Context, i int) {
		results[i].Changed, results[i].Err = o.SweepHolder(ctx, holderIDs[i], now)
	}, func(i int, err error) {
		results[i].Err = err
	})
	return results
}

// IngestReports ingests each report and returns one outcome per request, in
// input order. Reports for the same holder are applied one after another in
// input order; different holders run in parallel. Once ctx ends, reports not
// yet applied carry ctx's error.
func (o *Orchestrator) IngestReports(ctx context.Context, reqs []IngestRequest) []IngestOutcome {
	outcomes := make([]IngestOutcome, len(reqs))
	var order []string
	byHolder := make(map[string][]int)
	for i, req := range reqs {
		outcomes[i].HolderID = req.HolderID
		if req.Report != nil {
			outcomes[i].ReportID = req.Report.ID
		}
		if _, ok := byHolder[req.HolderID]; !ok {
			order = append(order, req.HolderID)
		}
		byHolder[req.HolderID] = append(byHolder[req.HolderID], i)
	}

	o.runBatch(ctx, len(order), func(ctx context.Context, b int) {
		idx := byHolder[order[b]]
		for k, i := range idx {
			if err := ctx.Err(); err != nil {
				for _, j := range idx[k:] {
					outcomes[j].Err = err
				}
				return
			}
			outcomes[i].Result, outcomes[i].Err = o.IngestReport(ctx, reqs[i].Report, reqs[i].HolderID)
		}
	}, func(b int, err error) {
		for _, i := range byHolder[order[b]] {
			outcomes[i].Err = err
		}
	})
	return outcomes
}

// runBatch calls work for each index with bounded parallelism. Once ctx ends
// no further work is submitted and skip is called for the remaining indexes.
func (o *Orchestrator) runBatch(ctx context.Context, n int, work func(context.Context, int), skip func(int, error)) {
	var g errgroup.Group
	g.SetLimit(o.batch.concurrency)

	for i := 0; i < n; i++ {
		if err := o.wait(ctx); err != nil {
			for j := i; j < n; j++ {
				skip(j, err)
			}
			break
		}
		g.Go(func() error {
			work(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.batch.limiter == nil {
		return nil
	}
	return o.batch.limiter.Wait(ctx)
}
