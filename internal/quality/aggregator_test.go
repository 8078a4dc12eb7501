package quality

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAggregatorThreshold(t *testing.T) {
	agg := NewAggregator("20161211")
	cases := []struct {
		rec  Record
		want bool
	}{
		{Record{Catalog: "a", Contrast: 1.99, CRPIX1: 1, CRPIX2: 1, HasCRPIX: true}, false},
		{Record{Catalog: "b", Contrast: 2.0, CRPIX1: 1, CRPIX2: 1, HasCRPIX: true}, true},
		{Record{Catalog: "c", Contrast: 8, HasCRPIX: false}, false},
	}
	for _, tc := range cases {
		if got := agg.Add(tc.rec); got != tc.want {
			t.Fatalf("catalog %s: expected %v, got %v", tc.rec.Catalog, tc.want, got)
		}
	}
	if len(agg.Rejected()) != 1 || len(agg.Uncoordinated()) != 1 || len(agg.Accepted()) != 1 {
		t.Fatalf("unexpected partition: %d rejected, %d uncoordinated, %d accepted",
			len(agg.Rejected()), len(agg.Uncoordinated()), len(agg.Accepted()))
	}
}

func TestAggregatorSummary(t *testing.T) {
	agg := NewAggregator("run")
	for _, c := range []float64{950, 960, 970} {
		agg.Add(Record{Contrast: 3, CRPIX1: c, CRPIX2: c - 320, HasCRPIX: true})
	}
	s, ok := agg.Summary()
	if !ok {
		t.Fatalf("expected a summary")
	}
	if s.CRPIX1 != 960 || s.CRPIX2 != 640 || s.Count != 3 {
		t.Fatalf("unexpected summary %+v", s)
	}
	want := math.Sqrt(200.0 / 3)
	if math.Abs(s.Std1-want) > 1e-9 || math.Abs(s.Std2-want) > 1e-9 {
		t.Fatalf("expected std %v, got %v / %v", want, s.Std1, s.Std2)
	}
}

func TestAggregatorSingleRecordHasZeroStd(t *testing.T) {
	agg := NewAggregator("run")
	agg.Add(Record{Contrast: 4, CRPIX1: 900, CRPIX2: 600, HasCRPIX: true})
	s, ok := agg.Summary()
	if !ok || s.Count != 1 || s.Std1 != 0 || s.Std2 != 0 {
		t.Fatalf("unexpected summary %+v (%v)", s, ok)
	}
}

func TestAggregatorEmpty(t *testing.T) {
	agg := NewAggregator("run")
	agg.Add(Record{Contrast: 1, CRPIX1: 1, CRPIX2: 1, HasCRPIX: true})
	if _, ok := agg.Summary(); ok {
		t.Fatalf("expected no summary without accepted frames")
	}
}

func TestSummaryFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), SummaryFile)
	written, err := WriteSummaryFile(path, Summary{Run: "20161211", CRPIX1: 960.5, Std1: 2, CRPIX2: 640.25, Std2: 0.5, Count: 12})
	if err != nil || !written {
		t.Fatalf("WriteSummaryFile: %v (%v)", err, written)
	}
	raw, _ := os.ReadFile(path)
	want := "#date;crpix1;std1;crpix2;std2;nim\n20161211;960.5;2;640.25;0.5;12\n"
	if string(raw) != want {
		t.Fatalf("expected %q, got %q", want, string(raw))
	}

	written, err = WriteSummaryFile(filepath.Join(t.TempDir(), SummaryFile), Summary{})
	if err != nil || written {
		t.Fatalf("expected empty summary to be skipped, got %v (%v)", written, err)
	}
}

func TestReadSummaryFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SummaryFile)
	content := strings.Join([]string{
		"#date;crpix1;std1;crpix2;std2;nim",
		"",
		"a;960;1;640;2;3",
		"# comment",
		"b;950;0;630;0;1",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSummaryFile(path)
	if err != nil {
		t.Fatalf("ReadSummaryFile: %v", err)
	}
	if len(got) != 2 || got[0].Run != "a" || got[1].Count != 1 {
		t.Fatalf("unexpected summaries %+v", got)
	}

	missing, err := ReadSummaryFile(filepath.Join(dir, "nope.dat"))
	if err != nil || missing != nil {
		t.Fatalf("expected missing file to read as empty, got %v (%v)", missing, err)
	}

	bad := filepath.Join(dir, "bad.dat")
	_ = os.WriteFile(bad, []byte("a;960;x;640;2;3\n"), 0o644)
	_, err = ReadSummaryFile(bad)
	var malformed *MalformedSummaryError
	if !errors.As(err, &malformed) || malformed.Line != 1 {
		t.Fatalf("expected MalformedSummaryError on line 1, got %v", err)
	}
}
