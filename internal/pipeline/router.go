package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meteorcal/internal/config"
	"meteorcal/internal/frameindex"
	"meteorcal/internal/fsutil"
	"meteorcal/internal/quality"
	"meteorcal/internal/refine"
	"meteorcal/internal/solver"
	"meteorcal/internal/stack"
	"meteorcal/internal/storage"
	"meteorcal/internal/tasks"
)

// ErrNoProcessedFrames is returned by a quality job on a run without
// processed frames.
var ErrNoProcessedFrames = errors.New("no processed frames")

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *storage.Store
	frames       ingester
	selectNight  nightSelector
	stackRun     stackFunc
	frameSolver  frameSolverFactory
	globalSolver refine.GlobalSolver
}

type ingester interface {
	Ingest(ctx context.Context, dir string) (frameindex.IngestReport, error)
}

type nightSelector func(req tasks.NightRequest, logger *slog.Logger) (tasks.NightSelection, error)

type stackFunc func(ctx context.Context, opts stack.Options, paths []string) (stack.Report, error)

type frameSolverFactory func(station string) quality.FrameSolver

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store, frames *frameindex.DB) *router {
	tools := solver.Tools{
		SExtractor: cfg.Tools.SExtractor,
		Scamp:      cfg.Tools.Scamp,
		ConfDir:    cfg.Paths.ConfDir,
		RefCatalog: cfg.Tools.RefCatalog,
		Timeout:    cfg.ToolTimeout(),
	}
	r := &router{
		cfg:         cfg,
		log:         logger,
		store:       store,
		selectNight: tasks.SelectNight,
		stackRun: func(ctx context.Context, opts stack.Options, paths []string) (stack.Report, error) {
			return stack.NewRunner(opts, logger).Run(ctx, paths)
		},
		frameSolver: func(station string) quality.FrameSolver {
			return solver.NewFrameSolver(tools, solver.FrameOptions{
				ProcessedPrefix:   cfg.Stacking.ProcessedPrefix,
				QualityMaskPrefix: cfg.Stacking.QualityMaskPrefix,
				MaskPath:          existing(cfg.MaskPath(station)),
				Ahead:             existing(cfg.AheadPath(station)),
			}, logger)
		},
		globalSolver: solver.NewGlobalSolver(tools, logger),
	}
	if frames != nil {
		r.frames = frames
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobIngest:
		return r.handleIngest(ctx, job)
	case JobMedian:
		return r.handleMedian(ctx, job)
	case JobQuality:
		return r.handleQuality(ctx, job)
	case JobGlobal:
		return r.handleGlobal(ctx, job)
	case JobEventHead:
		return r.handleEventHead(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// RunID names a night's run in the manifest, <CODE>/<YYYYMM>/processed_<DD>.
func RunID(station string, night time.Time) string {
	return strings.ToUpper(station) + "/" + night.Format("200601") + "/processed_" + night.Format("02")
}

func (r *router) handleIngest(ctx context.Context, job Job) Result {
	if r.frames == nil {
		return Result{Job: job, Error: errors.New("frame index not configured")}
	}
	dir := job.InputPath
	if dir == "" {
		night, err := tasks.ParseNight(job.Night)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		dir = r.cfg.CaptureDir(job.Station, night)
	}
	rep, err := r.frames.Ingest(ctx, dir)
	return Result{Job: job, Error: err, Meta: map[string]any{
		"dir":        dir,
		"inserted":   rep.Inserted,
		"duplicates": rep.Duplicates,
		"errors":     rep.Errors,
	}}
}

func (r *router) handleMedian(ctx context.Context, job Job) Result {
	night, err := tasks.ParseNight(job.Night)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	captureDir := job.InputPath
	if captureDir == "" {
		captureDir = r.cfg.CaptureDir(job.Station, night)
	}
	runDir := job.Output
	if runDir == "" {
		runDir = r.cfg.RunDir(job.Station, night)
	}

	sel, err := r.selectNight(tasks.NightRequest{
		Station:    job.Station,
		Night:      night,
		CaptureDir: captureDir,
		Exposure:   r.cfg.Processing.Exposure,
	}, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	mask := existing(r.cfg.MaskPath(job.Station))
	if mask == "" {
		r.log.Warn("station mask not found, frames are not masked", "station", job.Station, "path", r.cfg.MaskPath(job.Station))
	}
	opts := stack.Options{
		Window:            r.cfg.Stacking.Window,
		Parallelism:       r.cfg.Processing.Parallelism,
		OutputDir:         runDir,
		MaskPath:          mask,
		ProcessedPrefix:   r.cfg.Stacking.ProcessedPrefix,
		BackgroundPrefix:  r.cfg.Stacking.BackgroundPrefix,
		QualityMaskPrefix: r.cfg.Stacking.QualityMaskPrefix,
		Quicklook:         r.cfg.Stacking.Quicklook,
	}
	if w := intOption(job.Options, "window"); w > 0 {
		opts.Window = w
	}

	runID := RunID(job.Station, night)
	if r.store != nil {
		_ = r.store.ClearStage(runID, storage.StageSelected)
		for _, f := range sel.Frames {
			if err := r.store.RecordFrame(storage.ManifestEntry{RunID: runID, FramePath: f, Stage: storage.StageSelected}); err != nil {
				r.log.Warn("manifest update failed", "run", runID, "frame", f, "error", err)
			}
		}
	}

	rep, err := r.stackRun(ctx, opts, sel.Frames)
	meta := map[string]any{
		"run_dir":  runDir,
		"selected": len(sel.Frames),
		"ignored":  len(sel.Skipped),
		"used":     rep.Used,
		"skipped":  len(rep.Skipped),
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	if r.store != nil {
		_ = r.store.ClearStage(runID, storage.StageMedian)
		for _, out := range rep.Outputs {
			if err := r.store.RecordFrame(storage.ManifestEntry{RunID: runID, FramePath: out.Processed, Stage: storage.StageMedian}); err != nil {
				r.log.Warn("manifest update failed", "run", runID, "frame", out.Processed, "error", err)
			}
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleQuality(ctx context.Context, job Job) Result {
	night, err := tasks.ParseNight(job.Night)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	runDir := job.InputPath
	if runDir == "" {
		runDir = r.cfg.RunDir(job.Station, night)
	}

	files, err := fsutil.ListFrames(runDir)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var frames []string
	for _, f := range files {
		if !fsutil.HasPrefixedName(f, r.cfg.Stacking.ProcessedPrefix) {
			continue
		}
		if !strings.HasPrefix(r.cfg.Stacking.QualityMaskPrefix, r.cfg.Stacking.ProcessedPrefix) &&
			fsutil.HasPrefixedName(f, r.cfg.Stacking.QualityMaskPrefix) {
			continue
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return Result{Job: job, Error: fmt.Errorf("%w in %s", ErrNoProcessedFrames, runDir)}
	}

	runner := quality.NewRunner(r.frameSolver(job.Station), r.cfg.Processing.Parallelism, r.log)
	res, err := runner.Run(ctx, job.Night, frames, filepath.Join(runDir, solver.CatalogDir))
	meta := map[string]any{
		"run_dir":  runDir,
		"frames":   len(frames),
		"accepted": len(res.Accepted),
		"rejected": len(res.Rejected),
		"failed":   len(res.Failed),
		"summary":  res.SummaryPath,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if res.SummaryPath != "" {
		meta["crpix1"] = res.Summary.CRPIX1
		meta["crpix2"] = res.Summary.CRPIX2
	}

	if r.store != nil {
		runID := RunID(job.Station, night)
		_ = r.store.ClearStage(runID, storage.StageAccepted, storage.StageRejected, storage.StageFailed)
		record := func(stage string, rec quality.Record) {
			if err := r.store.RecordFrame(storage.ManifestEntry{
				RunID: runID, FramePath: rec.Frame, Stage: stage, CatalogPath: rec.Catalog, Contrast: rec.Contrast,
			}); err != nil {
				r.log.Warn("manifest update failed", "run", runID, "frame", rec.Frame, "error", err)
			}
		}
		for _, rec := range res.Accepted {
			record(storage.StageAccepted, rec)
		}
		for _, rec := range res.Rejected {
			record(storage.StageRejected, rec)
		}
		for _, f := range res.Failed {
			record(storage.StageFailed, quality.Record{Frame: f})
		}
		if res.SummaryPath != "" {
			if err := r.store.RecordSummary(strings.ToUpper(job.Station), res.Summary, res.SummaryPath); err != nil {
				r.log.Warn("summary not stored", "run", runID, "error", err)
			}
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleGlobal(ctx context.Context, job Job) Result {
	station := strings.ToUpper(job.Station)
	root := r.cfg.StationProcDir(station)

	summaries, err := refine.CollectSummaries(root, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var catalogs []string
	if r.store != nil {
		catalogs, err = r.store.AcceptedCatalogs(station + "/")
		if err != nil {
			r.log.Warn("manifest unavailable, scanning run directories", "error", err)
		}
	}
	if len(catalogs) == 0 {
		if catalogs, err = refine.CollectCatalogs(root, r.log); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	workDir := job.Output
	if workDir == "" {
		workDir = filepath.Join(root, "scamp")
	}
	loop := refine.NewLoop(refine.Config{
		WorkDir:        workDir,
		AheadPath:      r.cfg.AheadPath(station),
		MaxIterations:  r.cfg.Refinement.MaxIterations,
		AttemptTimeout: r.cfg.AttemptTimeout(),
	}, r.globalSolver, r.log)
	res, err := loop.Run(ctx, summaries, catalogs)

	meta := map[string]any{
		"runs":           len(summaries),
		"catalogs":       len(catalogs),
		"iterations":     res.Iterations,
		"active":         len(res.Active),
		"rejected":       len(res.Rejected),
		"crpix1":         res.Estimate.CRPIX1,
		"crpix2":         res.Estimate.CRPIX2,
		"fallback":       res.Estimate.Fallback,
		"header_updated": res.HeaderUpdated,
	}
	if res.Best.Catalog != "" {
		meta["best"] = res.Best.Catalog
		meta["best_contrast"] = res.Best.Contrast
	}
	if res.DiagnosticErr != nil {
		meta["diagnostic_error"] = res.DiagnosticErr.Error()
	}

	if r.store != nil && (len(res.Active) > 0 || len(res.Rejected) > 0) {
		states := make([]storage.CatalogState, 0, len(res.Active)+len(res.Rejected))
		for _, c := range res.Active {
			states = append(states, storage.CatalogState{Path: c, State: storage.CatalogActive, Iteration: res.Iterations})
		}
		for _, c := range res.Rejected {
			states = append(states, storage.CatalogState{Path: c, State: storage.CatalogRejected, Iteration: res.Iterations})
		}
		if serr := r.store.RecordCatalogStates(station, states); serr != nil {
			r.log.Warn("catalog states not stored", "station", station, "error", serr)
		}
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleEventHead(ctx context.Context, job Job) Result {
	event, _ := job.Options["event"].(string)
	if event == "" {
		return Result{Job: job, Error: errors.New("event name is required")}
	}
	at, err := refine.ParseEventTime(event)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	station := strings.ToUpper(job.Station)
	workDir := job.InputPath
	if workDir == "" {
		workDir = filepath.Join(r.cfg.StationProcDir(station), "scamp")
	}
	rep, err := solver.ReadReport(filepath.Join(workDir, refine.ReportName))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	minContrast, _ := job.Options["minContrast"].(float64)
	head, err := refine.SelectEventHead(rep, workDir, at, minContrast, r.cfg.Refinement.EventMaxDays)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	dst := job.Output
	if dst == "" {
		dst = filepath.Join(r.cfg.StationProcDir(station), "events", event, station+".head")
	}
	if err := refine.WriteEventHead(head.Head, dst); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"event":      event,
		"catalog":    head.Catalog,
		"contrast":   head.Contrast,
		"delta_days": head.DeltaDays,
		"head":       dst,
	}}
}

func existing(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// intOption reads an integer option that may have arrived as a JSON number.
func intOption(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
