package stack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"meteorcal/internal/frame"
	"meteorcal/internal/fsutil"
)

// Options configure a disk-backed stacking run.
type Options struct {
	Window      int
	Parallelism int
	OutputDir   string
	MaskPath    string // optional validity mask applied to every frame

	// Output name prefixes. An empty background or quality prefix
	// disables that output.
	ProcessedPrefix   string
	BackgroundPrefix  string
	QualityMaskPrefix string

	Quicklook bool
}

// OutputFiles lists what was written for one source frame.
type OutputFiles struct {
	Source      string
	Processed   string
	Background  string
	QualityMask string
	Quicklook   string
	Median      float64
}

// Report summarizes a run.
type Report struct {
	Requested int
	Used      int
	Skipped   []string
	Outputs   []OutputFiles
}

// Runner reads frames from disk, stacks them and writes the outputs.
type Runner struct {
	opts      Options
	log       *slog.Logger
	readFn    func(string) (*frame.Frame, error)
	readMask  func(string) (*frame.Frame, []bool, error)
	writeFn   func(string, *frame.Frame) error
	quicklook func(string, *frame.Frame) error
}

// NewRunner returns a Runner writing FITS outputs.
func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if opts.ProcessedPrefix == "" {
		opts.ProcessedPrefix = "p"
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:      opts,
		log:       logger,
		readFn:    frame.Read,
		readMask:  frame.ReadMask,
		writeFn:   frame.Write,
		quicklook: frame.WriteQuicklook,
	}
}

// Run stacks paths in the given order. Missing, unreadable or
// non-conforming frames are skipped with a warning.
func (r *Runner) Run(ctx context.Context, paths []string) (Report, error) {
	rep := Report{Requested: len(paths)}
	fsutil.CheckStackMemory(paths, r.log)

	var mask []bool
	if r.opts.MaskPath != "" {
		_, m, err := r.readMask(r.opts.MaskPath)
		if err != nil {
			return rep, fmt.Errorf("read mask: %w", err)
		}
		mask = m
	}

	loaded := make([]*frame.Frame, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	if r.opts.Parallelism > 0 {
		g.SetLimit(r.opts.Parallelism)
	}
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := r.load(p, mask)
			if err != nil {
				r.log.Warn("skipping frame", "path", p, "error", err)
				return nil
			}
			loaded[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	var frames []*frame.Frame
	for i, f := range loaded {
		if f == nil {
			rep.Skipped = append(rep.Skipped, paths[i])
			continue
		}
		if len(frames) > 0 && !f.Conforms(frames[0]) {
			r.log.Warn("skipping non-conforming frame", "path", paths[i], "axes", f.Axes, "expected", frames[0].Axes)
			rep.Skipped = append(rep.Skipped, paths[i])
			continue
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return rep, &NoInputFramesError{Requested: len(paths)}
	}
	rep.Used = len(frames)

	s, err := New(frames, r.opts.Window)
	if err != nil {
		return rep, err
	}
	if err := s.Normalize(ctx, r.opts.Parallelism); err != nil {
		return rep, err
	}

	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return rep, err
	}

	outputs := make([]OutputFiles, s.Len())
	g, gctx = errgroup.WithContext(ctx)
	if r.opts.Parallelism > 0 {
		g.SetLimit(r.opts.Parallelism)
	}
	for i := 0; i < s.Len(); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			files, err := r.emit(s, i)
			if err != nil {
				return fmt.Errorf("frame %s: %w", s.Frame(i).Name, err)
			}
			outputs[i] = files
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Outputs = outputs
	return rep, nil
}

func (r *Runner) load(path string, mask []bool) (*frame.Frame, error) {
	f, err := r.readFn(path)
	if err != nil {
		return nil, err
	}
	if mask != nil {
		if err := f.SetMask(mask); err != nil {
			return nil, err
		}
	}
	if _, err := frame.Normalize(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Runner) emit(s *Stack, i int) (OutputFiles, error) {
	out, err := s.Process(i)
	if err != nil {
		return OutputFiles{}, err
	}
	src := s.Frame(i)
	files := OutputFiles{Source: src.Path, Median: out.Median}

	files.Processed = filepath.Join(r.opts.OutputDir, r.opts.ProcessedPrefix+src.Name)
	if err := r.writeFn(files.Processed, out.Processed); err != nil {
		return files, err
	}
	if r.opts.BackgroundPrefix != "" {
		files.Background = filepath.Join(r.opts.OutputDir, r.opts.BackgroundPrefix+src.Name)
		if err := r.writeFn(files.Background, out.Background); err != nil {
			return files, err
		}
	}
	if r.opts.QualityMaskPrefix != "" {
		files.QualityMask = filepath.Join(r.opts.OutputDir, r.opts.QualityMaskPrefix+src.Name)
		if err := r.writeFn(files.QualityMask, out.Quality); err != nil {
			return files, err
		}
	}
	if r.opts.Quicklook {
		files.Quicklook = strings.TrimSuffix(files.Processed, filepath.Ext(files.Processed)) + ".png"
		if err := r.quicklook(files.Quicklook, out.Processed); err != nil {
			r.log.Warn("quicklook failed", "frame", src.Name, "error", err)
			files.Quicklook = ""
		}
	}
	return files, nil
}
