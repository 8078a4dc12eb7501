package storage

import (
	"path/filepath"
	"testing"

	"meteorcal/internal/quality"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "meteorcal.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "median", Status: "queued", InputPath: "/in"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"used": 12}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(5)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" || jobs[0].StartedAt == nil {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	meta, err := s.JobMeta("j1")
	if err != nil {
		t.Fatalf("JobMeta: %v", err)
	}
	if meta["used"].(float64) != 12 {
		t.Fatalf("unexpected meta: %v", meta)
	}
}

func TestManifestAndAcceptedCatalogs(t *testing.T) {
	s := newTestStore(t)

	entries := []ManifestEntry{
		{RunID: "FRCO01/201608/processed_06", FramePath: "b.fit", Stage: StageAccepted, CatalogPath: "/q/b.ldac", Contrast: 4},
		{RunID: "FRCO01/201608/processed_06", FramePath: "a.fit", Stage: StageAccepted, CatalogPath: "/q/a.ldac", Contrast: 3},
		{RunID: "FRCO01/201608/processed_06", FramePath: "c.fit", Stage: StageRejected, CatalogPath: "/q/c.ldac", Contrast: 1},
		{RunID: "FRMO02/201608/processed_06", FramePath: "z.fit", Stage: StageAccepted, CatalogPath: "/q/z.ldac", Contrast: 9},
	}
	for _, e := range entries {
		if err := s.RecordFrame(e); err != nil {
			t.Fatalf("RecordFrame: %v", err)
		}
	}

	got, err := s.Manifest("FRCO01/201608/processed_06", StageAccepted)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(got) != 2 || got[0].FramePath != "a.fit" || got[0].Contrast != 3 {
		t.Fatalf("unexpected manifest: %+v", got)
	}

	cats, err := s.AcceptedCatalogs("FRCO01/")
	if err != nil {
		t.Fatalf("AcceptedCatalogs: %v", err)
	}
	if len(cats) != 2 || cats[0] != "/q/a.ldac" || cats[1] != "/q/b.ldac" {
		t.Fatalf("unexpected catalogs: %v", cats)
	}

	if err := s.ClearStage("FRCO01/201608/processed_06", StageAccepted, StageRejected); err != nil {
		t.Fatalf("ClearStage: %v", err)
	}
	cats, _ = s.AcceptedCatalogs("FRCO01/")
	if len(cats) != 0 {
		t.Fatalf("expected cleared manifest, got %v", cats)
	}
}

func TestSummariesAndCatalogStates(t *testing.T) {
	s := newTestStore(t)

	for _, sum := range []quality.Summary{
		{Run: "201608/processed_07", CRPIX1: 961, Std1: 2, CRPIX2: 641, Std2: 3, Count: 4},
		{Run: "201608/processed_06", CRPIX1: 960, Std1: 1, CRPIX2: 640, Std2: 1, Count: 10},
	} {
		if err := s.RecordSummary("FRCO01", sum, "/x/crpix.dat"); err != nil {
			t.Fatalf("RecordSummary: %v", err)
		}
	}
	sums, err := s.Summaries("FRCO01")
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(sums) != 2 || sums[0].Run != "201608/processed_06" || sums[1].Count != 4 {
		t.Fatalf("unexpected summaries: %+v", sums)
	}

	first := []CatalogState{{Path: "/q/a.ldac", State: CatalogActive, Iteration: 2}, {Path: "/q/b.ldac", State: CatalogRejected, Iteration: 1}}
	if err := s.RecordCatalogStates("FRCO01", first); err != nil {
		t.Fatalf("RecordCatalogStates: %v", err)
	}
	if err := s.RecordCatalogStates("FRCO01", first[:1]); err != nil {
		t.Fatalf("RecordCatalogStates: %v", err)
	}
	states, err := s.CatalogStates("FRCO01")
	if err != nil {
		t.Fatalf("CatalogStates: %v", err)
	}
	if len(states) != 1 || states[0].State != CatalogActive || states[0].Station != "FRCO01" {
		t.Fatalf("unexpected states: %+v", states)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordFrame(ManifestEntry{}); err != nil {
		t.Fatalf("nil RecordFrame: %v", err)
	}
	if _, err := s.Summaries("X"); err == nil {
		t.Fatalf("expected error from nil store")
	}
}
