package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"meteorcal/internal/quality"
)

// CatalogDir is the per-run directory holding extracted catalogs.
const CatalogDir = "qcatalogs"

// FrameOptions tune the per-frame quality test.
type FrameOptions struct {
	// ProcessedPrefix is stripped from a processed frame name to find its
	// quality mask, which is named QualityMaskPrefix + original name.
	ProcessedPrefix   string
	QualityMaskPrefix string
	// MaskPath is the fallback weight map when no quality mask exists.
	MaskPath string
	// Ahead is an optional global header fragment.
	Ahead string
}

// FrameSolver extracts sources from one processed frame and solves its
// astrometry.
type FrameSolver struct {
	tools Tools
	opts  FrameOptions
	log   *slog.Logger
	run   execFunc
}

// NewFrameSolver returns a FrameSolver running the configured tools.
func NewFrameSolver(tools Tools, opts FrameOptions, logger *slog.Logger) *FrameSolver {
	if opts.ProcessedPrefix == "" {
		opts.ProcessedPrefix = "p"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameSolver{tools: tools, opts: opts, log: logger, run: execCommand}
}

// CatalogPaths returns the catalog, report and header paths used for a
// processed frame.
func CatalogPaths(frame string) (catalog, report, head string) {
	dir := filepath.Join(filepath.Dir(frame), CatalogDir)
	name := filepath.Base(frame)
	return filepath.Join(dir, name+".ldac"), filepath.Join(dir, name+".xml"), filepath.Join(dir, name+".head")
}

// SolveFrame implements quality.FrameSolver. Rerunning it overwrites the
// previous outputs.
func (s *FrameSolver) SolveFrame(ctx context.Context, path string) (quality.Record, error) {
	catalog, report, head := CatalogPaths(path)
	dir := filepath.Dir(catalog)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return quality.Record{}, err
	}

	args := []string{path}
	args = append(args, s.tools.sextractorConf()...)
	args = append(args,
		"-CATALOG_NAME", catalog,
		"-CATALOG_TYPE", "FITS_LDAC",
		"-DETECT_MINAREA", "2",
		"-DETECT_THRESH", "3",
		"-BACK_SIZE", "8",
		"-SATUR_LEVEL", "4095",
	)
	if w := s.weightImage(path); w != "" {
		args = append(args, "-WEIGHT_TYPE", "MAP_WEIGHT", "-WEIGHT_IMAGE", w)
	}
	if err := invoke(ctx, s.run, s.tools.Timeout, filepath.Dir(path), s.tools.SExtractor, args...); err != nil {
		return quality.Record{}, err
	}

	_ = os.Remove(report)
	args = []string{filepath.Base(catalog)}
	args = append(args, s.tools.scampConf()...)
	args = append(args,
		"-MOSAIC_TYPE", "LOOSE",
		"-DISTORT_DEGREES", "1",
		"-SOLVE_ASTROM", "Y",
		"-SOLVE_PHOTOM", "N",
		"-CHECKPLOT_DEV", "NULL",
		"-XML_NAME", filepath.Base(report),
	)
	if s.opts.Ahead != "" {
		args = append(args, "-AHEADER_GLOBAL", s.opts.Ahead)
	}
	if err := invoke(ctx, s.run, s.tools.Timeout, dir, s.tools.Scamp, args...); err != nil {
		return quality.Record{}, err
	}

	rep, err := ReadReport(report)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return quality.Record{}, &Error{Tool: filepath.Base(s.tools.Scamp), Err: fmt.Errorf("no report written: %w", err)}
		}
		return quality.Record{}, err
	}
	if len(rep.Entries) == 0 {
		return quality.Record{}, &MalformedReportError{Path: report, Err: fmt.Errorf("no catalog entry")}
	}

	rec := quality.Record{
		Frame:    path,
		Catalog:  catalog,
		Contrast: rep.Entries[0].Contrast,
	}
	if frag, err := ReadFragment(head); err == nil {
		c1, ok1 := frag.Float("CRPIX1")
		c2, ok2 := frag.Float("CRPIX2")
		if ok1 && ok2 {
			rec.CRPIX1, rec.CRPIX2, rec.HasCRPIX = c1, c2, true
		}
	} else {
		s.log.Debug("no solved header", "frame", path, "error", err)
	}
	return rec, nil
}

func (s *FrameSolver) weightImage(path string) string {
	if s.opts.QualityMaskPrefix != "" {
		name := strings.TrimPrefix(filepath.Base(path), s.opts.ProcessedPrefix)
		qm := filepath.Join(filepath.Dir(path), s.opts.QualityMaskPrefix+name)
		if _, err := os.Stat(qm); err == nil {
			return qm
		}
	}
	return s.opts.MaskPath
}
