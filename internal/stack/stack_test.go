package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"meteorcal/internal/frame"
)

func constantFrame(t *testing.T, name string, v float64) *frame.Frame {
	t.Helper()
	data := make([]float64, 6)
	for i := range data {
		data[i] = v
	}
	f, err := frame.New(name, []int{3, 2}, data)
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	return f
}

func TestConstantSequenceProcessesToZero(t *testing.T) {
	var frames []*frame.Frame
	for i := 0; i < 12; i++ {
		frames = append(frames, constantFrame(t, fmt.Sprintf("f%02d.fit", i), 7))
	}
	s, err := New(frames, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Normalize(context.Background(), 3); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := 0; i < s.Len(); i++ {
		out, err := s.Process(i)
		if err != nil {
			t.Fatalf("Process(%d): %v", i, err)
		}
		for px, v := range out.Processed.Data {
			if v != 0 {
				t.Fatalf("frame %d pixel %d: expected 0, got %v", i, px, v)
			}
		}
		for px, v := range out.ScaledBackground() {
			if v != 7 {
				t.Fatalf("frame %d pixel %d: expected background 7, got %v", i, px, v)
			}
		}
		if out.Processed.Name != "p"+frames[i].Name {
			t.Fatalf("expected processed name p%s, got %s", frames[i].Name, out.Processed.Name)
		}
	}
}

func TestProcessRequiresNormalization(t *testing.T) {
	s, err := New([]*frame.Frame{constantFrame(t, "a.fit", 1)}, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Process(0); !errors.Is(err, ErrNotNormalized) {
		t.Fatalf("expected ErrNotNormalized, got %v", err)
	}
}

func TestProcessedRestoresOriginalUnits(t *testing.T) {
	// Frame 1 has a bright pixel over a flat background of 10.
	a := constantFrame(t, "a.fit", 10)
	b := constantFrame(t, "b.fit", 10)
	b.Data[4] = 30
	c := constantFrame(t, "c.fit", 10)

	s, err := New([]*frame.Frame{a, b, c}, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Normalize(context.Background(), 0); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	out, err := s.Process(1)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Start != 0 || out.End != 2 {
		t.Fatalf("expected window [0, 2), got [%d, %d)", out.Start, out.End)
	}
	// window median of 1 and 3 is 2; (3 - 2) * 10 = 10
	if out.Processed.Data[4] != 10 {
		t.Fatalf("expected 10 at the bright pixel, got %v", out.Processed.Data[4])
	}
	if out.Processed.Data[0] != 0 {
		t.Fatalf("expected 0 on the background, got %v", out.Processed.Data[0])
	}
}

func TestQualityMaskIntersectsInputMask(t *testing.T) {
	mask := []bool{true, true, true, true, true, false}
	var frames []*frame.Frame
	for i := 0; i < 3; i++ {
		f := constantFrame(t, fmt.Sprintf("f%d.fit", i), 100)
		f.Data[0] = 400
		if err := f.SetMask(mask); err != nil {
			t.Fatalf("SetMask: %v", err)
		}
		frames = append(frames, f)
	}
	s, err := New(frames, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Normalize(context.Background(), 2); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	out, err := s.Process(0)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for px, v := range out.Quality.Data {
		want := 1.0
		if !mask[px] {
			want = 0
		}
		if v != want {
			t.Fatalf("pixel %d: expected quality %v, got %v", px, want, v)
		}
	}
}

func TestNewRejectsMixedGeometry(t *testing.T) {
	a := constantFrame(t, "a.fit", 1)
	b, _ := frame.New("b.fit", []int{2, 3}, make([]float64, 6))
	if _, err := New([]*frame.Frame{a, b}, 10); err == nil {
		t.Fatalf("expected geometry error")
	}
	if _, err := New(nil, 10); !errors.Is(err, ErrNoInputFrames) {
		t.Fatalf("expected ErrNoInputFrames, got %v", err)
	}
}

type memDisk struct {
	mu      sync.Mutex
	frames  map[string]*frame.Frame
	written map[string]*frame.Frame
}

func (m *memDisk) read(path string) (*frame.Frame, error) {
	f, ok := m.frames[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	cp := f.Derive(f.Name, append([]float64(nil), f.Data...))
	cp.Path = path
	return cp, nil
}

func (m *memDisk) write(path string, f *frame.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written[path] = f
	return nil
}

func newTestRunner(t *testing.T, disk *memDisk, opts Options) *Runner {
	t.Helper()
	opts.OutputDir = t.TempDir()
	r := NewRunner(opts, slog.Default())
	r.readFn = disk.read
	r.writeFn = disk.write
	return r
}

func TestRunnerSkipsMissingFrames(t *testing.T) {
	disk := &memDisk{
		frames: map[string]*frame.Frame{
			"/in/a.fit": constantFrame(t, "a.fit", 5),
			"/in/c.fit": constantFrame(t, "c.fit", 5),
		},
		written: map[string]*frame.Frame{},
	}
	r := newTestRunner(t, disk, Options{BackgroundPrefix: "bg_", QualityMaskPrefix: "qm_"})

	rep, err := r.Run(context.Background(), []string{"/in/a.fit", "/in/b.fit", "/in/c.fit"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Used != 2 || len(rep.Skipped) != 1 || rep.Skipped[0] != "/in/b.fit" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(disk.written) != 6 {
		t.Fatalf("expected 6 outputs, got %d", len(disk.written))
	}
	for _, out := range rep.Outputs {
		if out.Background == "" || out.QualityMask == "" || out.Median != 5 {
			t.Fatalf("unexpected outputs %+v", out)
		}
	}
}

func TestRunnerSideOutputsAreOptional(t *testing.T) {
	disk := &memDisk{
		frames:  map[string]*frame.Frame{"/in/a.fit": constantFrame(t, "a.fit", 5)},
		written: map[string]*frame.Frame{},
	}
	r := newTestRunner(t, disk, Options{})
	rep, err := r.Run(context.Background(), []string{"/in/a.fit"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(disk.written) != 1 || rep.Outputs[0].Background != "" {
		t.Fatalf("expected only the processed frame, got %v", disk.written)
	}
}

func TestRunnerSkipsNonConformingFrames(t *testing.T) {
	odd, _ := frame.New("b.fit", []int{2, 3}, []float64{1, 1, 1, 1, 1, 1})
	disk := &memDisk{
		frames: map[string]*frame.Frame{
			"/in/a.fit": constantFrame(t, "a.fit", 5),
			"/in/b.fit": odd,
		},
		written: map[string]*frame.Frame{},
	}
	r := newTestRunner(t, disk, Options{})
	rep, err := r.Run(context.Background(), []string{"/in/a.fit", "/in/b.fit"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Used != 1 || len(rep.Skipped) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRunnerNoInputFrames(t *testing.T) {
	disk := &memDisk{frames: map[string]*frame.Frame{}, written: map[string]*frame.Frame{}}
	r := newTestRunner(t, disk, Options{})
	_, err := r.Run(context.Background(), []string{"/in/a.fit", "/in/b.fit"})
	var noInput *NoInputFramesError
	if !errors.As(err, &noInput) || noInput.Requested != 2 {
		t.Fatalf("expected NoInputFramesError, got %v", err)
	}
	if !errors.Is(err, frame.ErrEmptyInput) {
		t.Fatalf("expected error to match frame.ErrEmptyInput")
	}
}
