package quality

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// FrameSolver runs detection and astrometric solving on one processed
// frame. Calls must be idempotent.
type FrameSolver interface {
	SolveFrame(ctx context.Context, path string) (Record, error)
}

// RunResult is the outcome of one quality run.
type RunResult struct {
	Summary     Summary
	SummaryPath string // empty when no frame was accepted
	Accepted    []Record
	Rejected    []Record
	Failed      []string
}

// Runner drives the solver over a run's frames and aggregates the results.
type Runner struct {
	solver      FrameSolver
	log         *slog.Logger
	parallelism int
}

// NewRunner returns a Runner using at most parallelism concurrent solver
// calls.
func NewRunner(solver FrameSolver, parallelism int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{solver: solver, log: logger, parallelism: parallelism}
}

// Run solves every frame, pools the accepted ones and writes the run
// summary into outDir. Per-frame solver failures are logged and skipped.
func (r *Runner) Run(ctx context.Context, run string, frames []string, outDir string) (RunResult, error) {
	agg := NewAggregator(run)
	failed := make([]bool, len(frames))

	g, gctx := errgroup.WithContext(ctx)
	if r.parallelism > 0 {
		g.SetLimit(r.parallelism)
	}
	for i, path := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := r.solver.SolveFrame(gctx, path)
			if err != nil {
				r.log.Warn("frame solve failed", "frame", path, "error", err)
				failed[i] = true
				return nil
			}
			if rec.Frame == "" {
				rec.Frame = path
			}
			if agg.Add(rec) {
				r.log.Debug("frame accepted", "frame", path, "contrast", rec.Contrast)
			} else if rec.Accepted() {
				r.log.Warn("frame solved without reference pixel", "frame", path, "contrast", rec.Contrast)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunResult{}, err
	}

	res := RunResult{Accepted: agg.Accepted(), Rejected: agg.Rejected()}
	for i, f := range failed {
		if f {
			res.Failed = append(res.Failed, frames[i])
		}
	}
	summary, ok := agg.Summary()
	res.Summary = summary
	if !ok {
		r.log.Warn("no frame accepted, summary not written", "run", run, "frames", len(frames))
		return res, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return res, err
	}
	path := filepath.Join(outDir, SummaryFile)
	if _, err := WriteSummaryFile(path, summary); err != nil {
		return res, fmt.Errorf("write summary: %w", err)
	}
	res.SummaryPath = path
	return res, nil
}
