package refine

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"meteorcal/internal/quality"
	"meteorcal/internal/solver"
)

// Reference pixel used when no run carries any weight.
const (
	DefaultCRPIX1 = 960.0
	DefaultCRPIX2 = 640.0
)

// Estimate is the weighted reference-pixel prior fed to the solver.
type Estimate struct {
	CRPIX1   float64
	CRPIX2   float64
	Runs     int  // summaries that contributed on at least one axis
	Fallback bool // at least one axis fell back to its default
}

// Weighted combines run summaries with inverse-variance weights, axis by
// axis. Summaries built from a single frame, or with a zero or negative
// spread, carry no weight.
func Weighted(summaries []quality.Summary) Estimate {
	var sum1, w1, sum2, w2 float64
	runs := 0
	for _, s := range summaries {
		if s.Count <= 1 {
			continue
		}
		used := false
		if s.Std1 > 0 {
			w := 1 / (s.Std1 * s.Std1)
			sum1 += w * s.CRPIX1
			w1 += w
			used = true
		}
		if s.Std2 > 0 {
			w := 1 / (s.Std2 * s.Std2)
			sum2 += w * s.CRPIX2
			w2 += w
			used = true
		}
		if used {
			runs++
		}
	}

	est := Estimate{CRPIX1: DefaultCRPIX1, CRPIX2: DefaultCRPIX2, Runs: runs}
	if w1 > 0 {
		est.CRPIX1 = sum1 / w1
	} else {
		est.Fallback = true
	}
	if w2 > 0 {
		est.CRPIX2 = sum2 / w2
	} else {
		est.Fallback = true
	}
	return est
}

// CollectSummaries reads every run summary below root, laid out as
// <root>/<YYYYMM>/processed_<DD>/qcatalogs/crpix.dat. Unreadable files are
// logged and skipped.
func CollectSummaries(root string, logger *slog.Logger) ([]quality.Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pattern := filepath.Join(root, "[0-9][0-9][0-9][0-9][0-9][0-9]", "processed_*", "qcatalogs", quality.SummaryFile)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []quality.Summary
	for _, f := range files {
		sums, err := quality.ReadSummaryFile(f)
		if err != nil {
			logger.Warn("skipping run summary", "path", f, "error", err)
			continue
		}
		out = append(out, sums...)
	}
	return out, nil
}

// CollectCatalogs lists the frame catalogs below root whose quality report
// passed the run acceptance threshold. Frames without a readable report
// are skipped.
func CollectCatalogs(root string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pattern := filepath.Join(root, "[0-9][0-9][0-9][0-9][0-9][0-9]", "processed_*", solver.CatalogDir, "*.ldac")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []string
	for _, catalog := range files {
		report := strings.TrimSuffix(catalog, ".ldac") + ".xml"
		rep, err := solver.ReadReport(report)
		if err != nil || len(rep.Entries) == 0 {
			logger.Debug("catalog without quality report", "catalog", catalog, "error", err)
			continue
		}
		if rep.Entries[0].Contrast >= quality.RunAcceptContrast {
			out = append(out, catalog)
		}
	}
	return out, nil
}
