package refine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meteorcal/internal/quality"
	"meteorcal/internal/solver"
)

const aheadTemplate = `EQUINOX = 2000.0
CTYPE1  = 'RA---ARC'
CTYPE2  = 'DEC--ARC'
CRPIX1  = 900.0
CRPIX2  = 600.0
CD1_1   = 0.1
PV1_1   = 1.0
END
`

type stubGlobalSolver struct {
	calls   []solver.Request
	priors  []string
	solveFn func(call int, req solver.Request) (solver.Report, error)
}

func (s *stubGlobalSolver) Solve(ctx context.Context, req solver.Request) (solver.Report, error) {
	s.calls = append(s.calls, req)
	if raw, err := os.ReadFile(req.Ahead); err == nil {
		s.priors = append(s.priors, string(raw))
	}
	return s.solveFn(len(s.calls), req)
}

func setupLoop(t *testing.T, s *stubGlobalSolver) (*Loop, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		WorkDir:   filepath.Join(dir, "scamp"),
		AheadPath: filepath.Join(dir, "scamp.ahead"),
	}
	if err := os.WriteFile(cfg.AheadPath, []byte(aheadTemplate), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLoop(cfg, s, nil)
	l.now = func() time.Time { return time.Date(2016, 12, 20, 10, 0, 0, 0, time.UTC) }
	return l, cfg
}

func entries(pairs ...any) solver.Report {
	var rep solver.Report
	for i := 0; i < len(pairs); i += 2 {
		rep.Entries = append(rep.Entries, solver.Entry{Catalog: pairs[i].(string), Contrast: pairs[i+1].(float64)})
	}
	return rep
}

func TestWeightedInverseVariance(t *testing.T) {
	est := Weighted([]quality.Summary{
		{CRPIX1: 960, Std1: 2, CRPIX2: 640, Std2: 2, Count: 5},
		{CRPIX1: 980, Std1: 0, CRPIX2: 660, Std2: 0, Count: 1},
	})
	if est.CRPIX1 != 960 || est.CRPIX2 != 640 || est.Runs != 1 || est.Fallback {
		t.Fatalf("unexpected estimate %+v", est)
	}

	est = Weighted([]quality.Summary{
		{CRPIX1: 950, Std1: 1, CRPIX2: 630, Std2: 2, Count: 4},
		{CRPIX1: 970, Std1: 2, CRPIX2: 650, Std2: 1, Count: 4},
	})
	// weights 1 and 1/4 on axis 1
	if math.Abs(est.CRPIX1-954) > 1e-9 || math.Abs(est.CRPIX2-646) > 1e-9 {
		t.Fatalf("unexpected weighted estimate %+v", est)
	}
}

func TestWeightedIgnoresSingleFrameRuns(t *testing.T) {
	est := Weighted([]quality.Summary{
		{CRPIX1: 10, Std1: 2, CRPIX2: 10, Std2: 2, Count: 5},
		{CRPIX1: 20, Std1: 1, CRPIX2: 20, Std2: 1, Count: 1},
	})
	if est.CRPIX1 != 10 || est.CRPIX2 != 10 || est.Runs != 1 {
		t.Fatalf("single-frame run contributed weight: %+v", est)
	}

	est = Weighted([]quality.Summary{
		{CRPIX1: 10, Std1: 2, CRPIX2: 10, Std2: 2, Count: 5},
		{CRPIX1: 20, Std1: 1, CRPIX2: 20, Std2: 1, Count: 3},
	})
	if math.Abs(est.CRPIX1-18) > 1e-9 || est.Runs != 2 {
		t.Fatalf("expected 18 from two weighted runs, got %+v", est)
	}
}

func TestWeightedFallsBackToDefault(t *testing.T) {
	est := Weighted([]quality.Summary{{CRPIX1: 1000, Std1: 0, CRPIX2: 700, Std2: 0, Count: 1}})
	if est.CRPIX1 != DefaultCRPIX1 || est.CRPIX2 != DefaultCRPIX2 || !est.Fallback || est.Runs != 0 {
		t.Fatalf("expected default estimate, got %+v", est)
	}
	if est := Weighted(nil); est.CRPIX1 != 960 || est.CRPIX2 != 640 {
		t.Fatalf("expected default estimate for no summaries, got %+v", est)
	}
}

func TestLoopRejectsThenAccepts(t *testing.T) {
	s := &stubGlobalSolver{}
	l, cfg := setupLoop(t, s)
	s.solveFn = func(call int, req solver.Request) (solver.Report, error) {
		switch {
		case req.Diagnostic:
			return entries("a.ldac", 9.0, "c.ldac", 4.0), nil
		case call == 1:
			return entries("a.ldac", 8.0, "b.ldac", 1.5, "c.ldac", 3.0), nil
		default:
			head := "CRPIX1  = 955.5\nCRPIX2  = 633.25\nCD1_1   = 0.05\nCD2_2   = 0.05\nCRVAL1  = 12.0\nEND\n"
			if err := os.WriteFile(solver.HeadPath(req.Dir, "a.ldac"), []byte(head), 0o644); err != nil {
				return solver.Report{}, err
			}
			return entries("a.ldac", 9.0, "c.ldac", 4.0), nil
		}
	}

	summaries := []quality.Summary{{CRPIX1: 958, Std1: 1, CRPIX2: 642, Std2: 1, Count: 4}}
	res, err := l.Run(context.Background(), summaries, []string{"/runs/1/c.ldac", "/runs/1/a.ldac", "/runs/2/b.ldac"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.State() != StateAccept {
		t.Fatalf("expected accept state, got %s", l.State())
	}
	if res.Iterations != 2 || len(res.Rejected) != 1 || res.Rejected[0] != "/runs/2/b.ldac" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Active) != 2 {
		t.Fatalf("expected 2 active catalogs, got %v", res.Active)
	}
	if len(s.calls[1].Catalogs) != 2 {
		t.Fatalf("expected rejected catalog removed before the second attempt, got %v", s.calls[1].Catalogs)
	}
	if !strings.Contains(s.priors[0], "CRPIX1  = 958") || !strings.Contains(s.priors[0], "PV1_1   = 1.0") {
		t.Fatalf("expected prior injected into template, got %q", s.priors[0])
	}
	if res.Best.Catalog != "a.ldac" || !res.HeaderUpdated {
		t.Fatalf("expected header updated from a.ldac, got %+v", res)
	}

	ahead, err := solver.ReadFragment(cfg.AheadPath)
	if err != nil {
		t.Fatalf("ReadFragment: %v", err)
	}
	if v, _ := ahead.Float("CRPIX1"); v != 955.5 {
		t.Fatalf("expected CRPIX1 955.5, got %v", v)
	}
	if v, _ := ahead.Float("CD2_2"); v != 0.05 {
		t.Fatalf("expected CD2_2 0.05, got %v", v)
	}
	if !ahead.Has("PV1_1") || ahead.Has("CRVAL1") {
		t.Fatalf("expected template cards kept and CRVAL not copied: %s", ahead.Bytes())
	}
	backup, _ := os.ReadFile(BackupPath(cfg.AheadPath))
	if string(backup) != aheadTemplate {
		t.Fatalf("expected previous header backed up, got %q", backup)
	}

	last := s.calls[len(s.calls)-1]
	if !last.Diagnostic || last.XMLName != DiagnosticName || last.FullCatalog != "20161220.fullcat" {
		t.Fatalf("expected diagnostic pass last, got %+v", last)
	}
	if res.Diagnostic == nil || len(s.calls) != 3 {
		t.Fatalf("expected exactly one diagnostic pass, got %d calls", len(s.calls))
	}
	snap, err := l.Snapshot()
	if err != nil || snap.Best.Catalog != "a.ldac" {
		t.Fatalf("unexpected snapshot %+v (%v)", snap, err)
	}
}

func TestLoopConvergenceLimit(t *testing.T) {
	s := &stubGlobalSolver{}
	l, cfg := setupLoop(t, s)
	l.cfg.MaxIterations = 4
	s.solveFn = func(call int, req solver.Request) (solver.Report, error) {
		return entries("a.ldac", 5.0, "z.ldac", 0.5), nil
	}

	_, err := l.Run(context.Background(), nil, []string{"a.ldac", "z.ldac"})
	var limit *ConvergenceLimitError
	if !errors.As(err, &limit) || limit.Iterations != 4 || !errors.Is(err, ErrConvergenceLimit) {
		t.Fatalf("expected ConvergenceLimitError after 4 iterations, got %v", err)
	}
	if len(s.calls) != 4 {
		t.Fatalf("expected 4 solver attempts, got %d", len(s.calls))
	}
	if l.State() != StateFail {
		t.Fatalf("expected fail state, got %s", l.State())
	}
	raw, _ := os.ReadFile(cfg.AheadPath)
	if string(raw) != aheadTemplate {
		t.Fatalf("expected header template untouched")
	}
}

func TestLoopSolverFailureLeavesHeaderUntouched(t *testing.T) {
	s := &stubGlobalSolver{}
	l, cfg := setupLoop(t, s)
	s.solveFn = func(call int, req solver.Request) (solver.Report, error) {
		if call == 1 {
			return entries("a.ldac", 5.0, "b.ldac", 1.0), nil
		}
		return solver.Report{}, &solver.Error{Tool: "scamp", Err: errors.New("exit status 1")}
	}

	_, err := l.Run(context.Background(), nil, []string{"a.ldac", "b.ldac"})
	var failed *FailedError
	if !errors.As(err, &failed) || failed.Iteration != 2 || len(failed.Rejected) != 1 {
		t.Fatalf("expected FailedError at iteration 2, got %v", err)
	}
	if !errors.Is(err, solver.ErrSolver) {
		t.Fatalf("expected solver error to be wrapped")
	}
	raw, _ := os.ReadFile(cfg.AheadPath)
	if string(raw) != aheadTemplate {
		t.Fatalf("expected header template untouched")
	}
	if _, err := os.Stat(BackupPath(cfg.AheadPath)); !os.IsNotExist(err) {
		t.Fatalf("expected no backup on failure")
	}
	if _, snapErr := l.Snapshot(); !errors.As(snapErr, &failed) {
		t.Fatalf("expected snapshot to carry the failure, got %v", snapErr)
	}
}

func TestLoopAttemptTimeout(t *testing.T) {
	s := &stubGlobalSolver{}
	l, _ := setupLoop(t, s)
	l.cfg.AttemptTimeout = 20 * time.Millisecond
	l.solver = blockingSolver{}

	_, err := l.Run(context.Background(), nil, []string{"a.ldac"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type blockingSolver struct{}

func (blockingSolver) Solve(ctx context.Context, req solver.Request) (solver.Report, error) {
	<-ctx.Done()
	return solver.Report{}, ctx.Err()
}

func TestLoopRequiresCatalogs(t *testing.T) {
	l, _ := setupLoop(t, &stubGlobalSolver{})
	if _, err := l.Snapshot(); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("expected ErrLoopRunning before the run, got %v", err)
	}
	if _, err := l.Run(context.Background(), nil, nil); !errors.Is(err, ErrNoCatalogs) {
		t.Fatalf("expected ErrNoCatalogs, got %v", err)
	}
}

func TestLoopEmptiedWorkingSet(t *testing.T) {
	s := &stubGlobalSolver{}
	l, _ := setupLoop(t, s)
	s.solveFn = func(call int, req solver.Request) (solver.Report, error) {
		return entries("a.ldac", 1.0), nil
	}
	_, err := l.Run(context.Background(), nil, []string{"a.ldac"})
	if !errors.Is(err, ErrNoCatalogs) || len(s.calls) != 1 {
		t.Fatalf("expected ErrNoCatalogs after one attempt, got %v (%d calls)", err, len(s.calls))
	}
}

func TestCollectSummaries(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("201612/processed_10/qcatalogs/crpix.dat", "#date;crpix1;std1;crpix2;std2;nim\n20161210;960;1;640;1;5\n")
	write("201612/processed_11/qcatalogs/crpix.dat", "garbage;line\n")
	write("201612/processed_12/qcatalogs/crpix.dat", "20161212;950;2;630;2;3\n")
	write("scamp/qcatalogs/crpix.dat", "x;1;1;1;1;1\n")

	got, err := CollectSummaries(root, nil)
	if err != nil {
		t.Fatalf("CollectSummaries: %v", err)
	}
	if len(got) != 2 || got[0].Run != "20161210" || got[1].Run != "20161212" {
		t.Fatalf("unexpected summaries %+v", got)
	}
}

func TestCollectCatalogs(t *testing.T) {
	root := t.TempDir()
	report := func(contrast string) string {
		return `<?xml version="1.0"?>
<VOTABLE><RESOURCE><RESOURCE><TABLE>
<FIELD name="Catalog_Name" datatype="char"/>
<FIELD name="Observation_Date" datatype="double"/>
<FIELD name="XY_Contrast" datatype="float"/>
<DATA><TABLEDATA><TR><TD>x.ldac</TD><TD>2016.9</TD><TD>` + contrast + `</TD></TR></TABLEDATA></DATA>
</TABLE></RESOURCE></RESOURCE></VOTABLE>`
	}
	dir := filepath.Join(root, "201612", "processed_10", solver.CatalogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"pa.fit.ldac": "", "pa.fit.xml": report("3.5"),
		"pb.fit.ldac": "", "pb.fit.xml": report("1.2"),
		"pc.fit.ldac": "",
		"pd.fit.ldac": "", "pd.fit.xml": report("2.0"),
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := CollectCatalogs(root, nil)
	if err != nil {
		t.Fatalf("CollectCatalogs: %v", err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "pa.fit.ldac" || filepath.Base(got[1]) != "pd.fit.ldac" {
		t.Fatalf("unexpected catalogs %v", got)
	}
}
