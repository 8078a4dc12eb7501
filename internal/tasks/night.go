package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"meteorcal/internal/frame"
	"meteorcal/internal/fsutil"
)

// NightLayout is the date format of night identifiers.
const NightLayout = "20060102"

// NightRequest selects the captures of one night of one station.
type NightRequest struct {
	Station    string
	Night      time.Time // local calendar date the night starts on
	CaptureDir string
	Exposure   float64 // seconds; zero means 5
}

// NightSelection is the outcome of SelectNight.
type NightSelection struct {
	Frames  []string
	Skipped map[string]string // path -> reason
}

type headerReader func(string) (frame.Metadata, error)

// SelectNight returns the captures that belong to a night: files named
// <CODE>_<night>* or <CODE>_<night+1>* taken with the nominal exposure
// within twelve hours of the midnight ending the night. Frames are sorted
// by observation time.
func SelectNight(req NightRequest, logger *slog.Logger) (NightSelection, error) {
	return selectNight(req, frame.ReadHeader, logger)
}

func selectNight(req NightRequest, read headerReader, logger *slog.Logger) (NightSelection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	exposure := req.Exposure
	if exposure <= 0 {
		exposure = 5.0
	}
	code := strings.ToUpper(req.Station)
	night := time.Date(req.Night.Year(), req.Night.Month(), req.Night.Day(), 0, 0, 0, 0, time.UTC)
	midnight := night.AddDate(0, 0, 1)
	prefixes := []string{
		code + "_" + night.Format(NightLayout),
		code + "_" + midnight.Format(NightLayout),
	}

	files, err := fsutil.ListFrames(req.CaptureDir)
	if err != nil {
		return NightSelection{}, fmt.Errorf("list captures: %w", err)
	}

	sel := NightSelection{Skipped: map[string]string{}}
	times := map[string]time.Time{}
	for _, path := range files {
		base := filepath.Base(path)
		if !hasAnyPrefix(base, prefixes) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			sel.Skipped[path] = "empty or unreadable"
			continue
		}
		meta, err := read(path)
		if err != nil {
			sel.Skipped[path] = err.Error()
			logger.Warn("cannot read capture header", "frame", path, "error", err)
			continue
		}
		if !meta.HasExposure {
			sel.Skipped[path] = "no EXPOSURE keyword"
			logger.Warn("cannot find EXPOSURE keyword, skipping", "frame", path)
			continue
		}
		if meta.ObservedAt.IsZero() {
			sel.Skipped[path] = "no DATE-OBS keyword"
			logger.Warn("cannot parse DATE-OBS, skipping", "frame", path)
			continue
		}
		if meta.Exposure != exposure {
			sel.Skipped[path] = fmt.Sprintf("exposure %gs", meta.Exposure)
			continue
		}
		if d := meta.ObservedAt.Sub(midnight); d <= -12*time.Hour || d >= 12*time.Hour {
			sel.Skipped[path] = "outside night"
			continue
		}
		sel.Frames = append(sel.Frames, path)
		times[path] = meta.ObservedAt
	}
	sort.SliceStable(sel.Frames, func(i, j int) bool {
		ti, tj := times[sel.Frames[i]], times[sel.Frames[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sel.Frames[i] < sel.Frames[j]
	})

	logger.Info("night selected",
		"station", code,
		"night", night.Format(NightLayout),
		"frames", len(sel.Frames),
		"skipped", len(sel.Skipped))
	return sel, nil
}

// ParseNight parses a YYYYMMDD night identifier.
func ParseNight(s string) (time.Time, error) {
	t, err := time.ParseInLocation(NightLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("night %q: expected YYYYMMDD", s)
	}
	return t, nil
}

// Nights lists the nights in [start, end).
func Nights(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
