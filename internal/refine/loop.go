package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"meteorcal/internal/logging"
	"meteorcal/internal/quality"
	"meteorcal/internal/solver"
)

// RejectContrast is the contrast below which a catalog leaves the global
// working set.
const RejectContrast = 2.0

// DefaultMaxIterations bounds the reject-and-retry cycle.
const DefaultMaxIterations = 10

// Solver files written in the working directory.
const (
	PriorName      = "prior.ahead"
	ReportName     = "scamp.xml"
	DiagnosticName = "diagnosis.xml"
)

var (
	ErrConvergenceLimit = errors.New("refinement did not converge")
	ErrNoCatalogs       = errors.New("no catalogs to refine")
	ErrLoopRunning      = errors.New("refinement has not finished")
)

// ConvergenceLimitError is returned when rejections keep coming after
// the iteration bound.
type ConvergenceLimitError struct {
	Iterations int
	Rejected   []string
}

func (e *ConvergenceLimitError) Error() string {
	return fmt.Sprintf("%s after %d iterations (%d catalogs rejected)", ErrConvergenceLimit, e.Iterations, len(e.Rejected))
}

func (e *ConvergenceLimitError) Is(target error) bool { return target == ErrConvergenceLimit }

// FailedError wraps the solver failure that ended a refinement.
type FailedError struct {
	Iteration int
	Rejected  []string
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("refinement failed at iteration %d: %v", e.Iteration, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// State is a step of the refinement.
type State string

const (
	StateIdle     State = "idle"
	StateCollect  State = "collect"
	StateWeight   State = "weight"
	StateSolve    State = "solve"
	StateEvaluate State = "evaluate"
	StateReject   State = "reject_and_retry"
	StateAccept   State = "accept"
	StateFail     State = "fail"
)

// GlobalSolver runs the astrometric solver over a catalog set.
type GlobalSolver interface {
	Solve(ctx context.Context, req solver.Request) (solver.Report, error)
}

// Config controls a Loop.
type Config struct {
	WorkDir       string
	AheadPath     string // calibration header template, replaced on success
	MaxIterations int
	// AttemptTimeout bounds each solver attempt. Zero means no bound.
	AttemptTimeout time.Duration
}

// Result describes a finished refinement.
type Result struct {
	Estimate      Estimate
	Iterations    int
	Active        []string
	Rejected      []string
	Best          solver.Entry
	HeaderUpdated bool
	BackupPath    string
	Report        solver.Report
	Diagnostic    *solver.Report
	DiagnosticErr error
}

// Loop is the global reject-and-retry refinement for one station.
type Loop struct {
	cfg    Config
	solver GlobalSolver
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	result Result
	err    error
}

// NewLoop returns an idle Loop.
func NewLoop(cfg Config, s GlobalSolver, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, solver: s, log: logger, now: time.Now, state: StateIdle}
}

// State returns the current step.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns the outcome once the loop has accepted or failed.
func (l *Loop) Snapshot() (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAccept && l.state != StateFail {
		return Result{}, ErrLoopRunning
	}
	return l.result, l.err
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.log.Debug("refinement state", "state", string(s))
}

func (l *Loop) finish(s State, res Result, err error) (Result, error) {
	l.mu.Lock()
	l.state = s
	l.result = res
	l.err = err
	l.mu.Unlock()
	if err != nil {
		l.log.Error("refinement failed", "iterations", res.Iterations, "rejected", len(res.Rejected), "error", err)
	} else {
		l.log.Info("refinement accepted", "iterations", res.Iterations, "catalogs", len(res.Active),
			"rejected", len(res.Rejected), "best", res.Best.Catalog, "contrast", res.Best.Contrast)
	}
	return res, err
}

// Run refines the station calibration from the run summaries and the
// accepted catalogs. The header template is only replaced on success.
func (l *Loop) Run(ctx context.Context, summaries []quality.Summary, catalogs []string) (Result, error) {
	var res Result

	l.setState(StateCollect)
	active := uniqueSorted(catalogs)
	if len(active) == 0 {
		return l.finish(StateFail, res, ErrNoCatalogs)
	}
	template, err := solver.ReadFragment(l.cfg.AheadPath)
	if err != nil {
		return l.finish(StateFail, res, fmt.Errorf("read header template: %w", err))
	}
	if err := os.MkdirAll(l.cfg.WorkDir, 0o755); err != nil {
		return l.finish(StateFail, res, err)
	}

	l.setState(StateWeight)
	res.Estimate = Weighted(summaries)
	l.log.Info("reference pixel prior", "crpix1", res.Estimate.CRPIX1, "crpix2", res.Estimate.CRPIX2,
		"runs", res.Estimate.Runs, "fallback", res.Estimate.Fallback)
	prior := template.Clone()
	prior.SetFloat("CRPIX1", res.Estimate.CRPIX1)
	prior.SetFloat("CRPIX2", res.Estimate.CRPIX2)
	priorPath := filepath.Join(l.cfg.WorkDir, PriorName)
	if err := solver.WriteFragmentFile(priorPath, prior); err != nil {
		return l.finish(StateFail, res, err)
	}

	rejected := map[string]bool{}
	var report solver.Report
	for iter := 1; ; iter++ {
		if iter > l.cfg.MaxIterations {
			res.Active = active
			return l.finish(StateFail, res, &ConvergenceLimitError{Iterations: l.cfg.MaxIterations, Rejected: res.Rejected})
		}
		res.Iterations = iter
		if len(active) == 0 {
			res.Active = active
			return l.finish(StateFail, res, &FailedError{Iteration: iter, Rejected: res.Rejected, Err: ErrNoCatalogs})
		}

		l.setState(StateSolve)
		report, err = l.solve(ctx, solver.Request{
			Dir:      l.cfg.WorkDir,
			Catalogs: active,
			Ahead:    priorPath,
			XMLName:  ReportName,
		})
		if err != nil {
			res.Active = active
			return l.finish(StateFail, res, &FailedError{Iteration: iter, Rejected: res.Rejected, Err: err})
		}

		l.setState(StateEvaluate)
		low := report.Below(RejectContrast)
		logging.LogIteration(l.log, iter, len(active), len(low))
		if len(low) == 0 {
			break
		}

		l.setState(StateReject)
		drop := map[string]bool{}
		for _, e := range low {
			drop[filepath.Base(e.Catalog)] = true
		}
		kept := active[:0:0]
		for _, c := range active {
			if drop[filepath.Base(c)] {
				if !rejected[c] {
					rejected[c] = true
					res.Rejected = append(res.Rejected, c)
				}
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == len(active) {
			l.log.Warn("solver rejected catalogs outside the working set", "iteration", iter, "count", len(low))
		}
		active = kept
	}

	res.Active = active
	res.Report = report
	if err := l.accept(ctx, template, &res); err != nil {
		return l.finish(StateFail, res, err)
	}
	return l.finish(StateAccept, res, nil)
}

func (l *Loop) solve(ctx context.Context, req solver.Request) (solver.Report, error) {
	if l.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		defer cancel()
	}
	return l.solver.Solve(ctx, req)
}

// accept writes the best catalog's solution into the header template and
// runs the diagnostic pass.
func (l *Loop) accept(ctx context.Context, template *solver.Fragment, res *Result) error {
	best, ok := res.Report.Best()
	if !ok {
		return &FailedError{Iteration: res.Iterations, Rejected: res.Rejected, Err: errors.New("solver report is empty")}
	}
	res.Best = best

	head := solver.HeadPath(l.cfg.WorkDir, best.Catalog)
	solved, err := solver.ReadFragment(head)
	if err != nil {
		l.log.Warn("best catalog has no solved header, template kept", "catalog", best.Catalog, "error", err)
	} else {
		out := template.Clone()
		out.Override(solved, "CD", "CRPIX")
		ensureCard(out, "EQUINOX", "2000.0")
		ensureCard(out, "CTYPE1", "'RA---ARC'")
		ensureCard(out, "CTYPE2", "'DEC--ARC'")
		if !out.Has("END") {
			out.Lines = append(out.Lines, solver.Line{Key: "END", Text: "END"})
		}

		backup := BackupPath(l.cfg.AheadPath)
		if err := os.WriteFile(backup, template.Bytes(), 0o644); err != nil {
			return fmt.Errorf("back up header: %w", err)
		}
		if err := solver.WriteFragmentFile(l.cfg.AheadPath, out); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		res.HeaderUpdated = true
		res.BackupPath = backup
	}

	diag, err := l.solve(ctx, solver.Request{
		Dir:         l.cfg.WorkDir,
		Catalogs:    res.Active,
		Ahead:       l.cfg.AheadPath,
		XMLName:     DiagnosticName,
		Diagnostic:  true,
		FullCatalog: l.now().UTC().Format("20060102") + ".fullcat",
	})
	if err != nil {
		l.log.Warn("diagnostic pass failed", "error", err)
		res.DiagnosticErr = err
		return nil
	}
	res.Diagnostic = &diag
	return nil
}

// BackupPath is where the previous header template is kept.
func BackupPath(ahead string) string {
	return strings.TrimSuffix(ahead, filepath.Ext(ahead)) + ".old"
}

func ensureCard(f *solver.Fragment, key, value string) {
	if !f.Has(key) {
		f.SetLine(key, solver.FormatCard(key, value))
	}
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
