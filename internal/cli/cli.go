package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"meteorcal/internal/config"
	"meteorcal/internal/pipeline"
	"meteorcal/internal/server"
	"meteorcal/internal/storage"
	"meteorcal/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolManager interface {
	GetToolStatus() map[string]tasks.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, roots []string, settle time.Duration, log *slog.Logger, cb func(tasks.CaptureEvent)) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.NewServer(addr, store, pipe, log).Start(ctx)
}

func defaultWatch(ctx context.Context, roots []string, settle time.Duration, log *slog.Logger, cb func(tasks.CaptureEvent)) error {
	return tasks.NewCaptureWatcher(roots, settle, log).Run(ctx, cb)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	toolFactory toolManagerFactory
	serveFn     serverFunc
	watchFn     watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
		watchFn: defaultWatch,
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	_, err := r.enqueueAndResult(ctx, job)
	return err
}

func (r *Root) enqueueAndResult(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "station", job.Station, "night", job.Night)
	return nil
}

// runNights drives levels over every night in [start, end) whose capture
// directory exists. Night levels run in order per night; the global level
// runs once at the end.
func (r *Root) runNights(ctx context.Context, station string, start, end time.Time, levels []pipeline.JobType) error {
	station = strings.ToUpper(station)
	var global, eventLevel bool
	var perNight []pipeline.JobType
	for _, l := range levels {
		switch l {
		case pipeline.JobGlobal:
			global = true
		case pipeline.JobEventHead:
			eventLevel = true
		default:
			perNight = append(perNight, l)
		}
	}
	if eventLevel {
		return fmt.Errorf("event-head is not a night level, use the event-head command")
	}

	var failed []string
	ran := 0
	for _, night := range tasks.Nights(start, end) {
		id := night.Format(tasks.NightLayout)
		if _, err := os.Stat(r.cfg.CaptureDir(station, night)); err != nil {
			r.log.Debug("no capture directory", "station", station, "night", id)
			continue
		}
		ran++
		for _, l := range perNight {
			job := pipeline.Job{ID: newID(), Type: l, Station: station, Night: id, Options: map[string]any{"source": "cli"}}
			if err := r.enqueueAndWait(ctx, job); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warn("night level failed", "station", station, "night", id, "level", l, "error", err)
				failed = append(failed, fmt.Sprintf("%s/%s", id, l))
				break
			}
		}
	}
	r.log.Info("day range processed", "station", station, "nights", ran, "failed", len(failed))

	if global {
		job := pipeline.Job{ID: newID(), Type: pipeline.JobGlobal, Station: station, Options: map[string]any{"source": "cli"}}
		if err := r.enqueueAndWait(ctx, job); err != nil {
			return fmt.Errorf("global refinement: %w", err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d night levels failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// parseLevels accepts a comma separated list of level names or numbers.
func parseLevels(s string) ([]pipeline.JobType, error) {
	var out []pipeline.JobType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		jt, err := pipeline.ParseJobType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, jt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no processing level given")
	}
	return out, nil
}

// watchCaptures submits an ingest job for every settled capture directory.
func (r *Root) watchCaptures(ctx context.Context, roots []string, settle time.Duration) error {
	return r.watchFn(ctx, roots, settle, r.log, func(ev tasks.CaptureEvent) {
		station := stationOf(r.cfg.Paths.StationDir, ev.Dir)
		job := pipeline.Job{
			ID:        newID(),
			Type:      pipeline.JobIngest,
			Station:   station,
			InputPath: ev.Dir,
			Options:   map[string]any{"source": "watch", "frames": len(ev.Frames)},
		}
		if err := r.enqueue(ctx, job); err != nil {
			r.log.Warn("ingest not queued", "dir", ev.Dir, "error", err)
		}
	})
}

// stationOf derives the station code of a capture directory laid out as
// <root>/<CODE>/<YYYYMM>.
func stationOf(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return strings.ToUpper(filepath.Base(filepath.Dir(dir)))
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return strings.ToUpper(parts[0])
}

func newID() string {
	return uuid.NewString()
}
