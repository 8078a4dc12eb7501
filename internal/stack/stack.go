package stack

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"meteorcal/internal/frame"
)

// QualitySigma is the background clipping level of the quality mask.
const QualitySigma = 3.0

// ErrNoInputFrames matches NoInputFramesError.
var ErrNoInputFrames = errors.New("no usable input frames")

// ErrNotNormalized is returned when a window is requested before every
// frame of the stack has been normalized.
var ErrNotNormalized = errors.New("stack not normalized")

// NoInputFramesError reports that nothing was left to stack.
type NoInputFramesError struct {
	Requested int
}

func (e *NoInputFramesError) Error() string {
	return fmt.Sprintf("%s (%d requested)", ErrNoInputFrames, e.Requested)
}

func (e *NoInputFramesError) Is(target error) bool {
	return target == ErrNoInputFrames || target == frame.ErrEmptyInput
}

// Stack is an ordered sequence of frames sharing one geometry.
type Stack struct {
	frames     []*frame.Frame
	medians    []float64
	window     int
	normalized bool
}

// New checks geometry and wraps frames. window <= 0 selects DefaultWindow.
func New(frames []*frame.Frame, window int) (*Stack, error) {
	if len(frames) == 0 {
		return nil, &NoInputFramesError{}
	}
	for _, f := range frames[1:] {
		if !f.Conforms(frames[0]) {
			return nil, fmt.Errorf("frame %s: axes %v differ from %v", f.Name, f.Axes, frames[0].Axes)
		}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stack{frames: frames, medians: make([]float64, len(frames)), window: window}, nil
}

// Len is the number of frames.
func (s *Stack) Len() int { return len(s.frames) }

// Frame returns frame i.
func (s *Stack) Frame(i int) *frame.Frame { return s.frames[i] }

// Median returns the pre-normalization median of frame i.
func (s *Stack) Median(i int) float64 { return s.medians[i] }

// Normalize divides every frame by its own masked median. It returns only
// after all frames are done, so windows computed afterwards never see a
// half-normalized neighbour. Frames normalized earlier keep their recorded
// median.
func (s *Stack) Normalize(ctx context.Context, parallelism int) error {
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, f := range s.frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if med, ok := f.NormMedian(); ok {
				s.medians[i] = med
				return nil
			}
			med, err := frame.Normalize(f)
			if err != nil {
				return err
			}
			s.medians[i] = med
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.normalized = true
	return nil
}

// Output is the reduction of one frame.
type Output struct {
	Index      int
	Start, End int
	Median     float64
	Processed  *frame.Frame
	Background *frame.Frame
	Quality    *frame.Frame
}

// ScaledBackground returns the background in the frame's original units.
func (o Output) ScaledBackground() []float64 {
	out := make([]float64, len(o.Background.Data))
	for i, v := range o.Background.Data {
		out[i] = v * o.Median
	}
	return out
}

// Background is the per-pixel median of the normalized frames in the
// window of frame i.
func (s *Stack) Background(i int) ([]float64, error) {
	if !s.normalized {
		return nil, ErrNotNormalized
	}
	if i < 0 || i >= len(s.frames) {
		return nil, fmt.Errorf("frame index %d out of range [0, %d)", i, len(s.frames))
	}
	start, end := Window(i, len(s.frames), s.window)
	size := len(s.frames[i].Data)
	bg := make([]float64, size)
	buf := make([]float64, end-start)
	for px := 0; px < size; px++ {
		for j := start; j < end; j++ {
			buf[j-start] = s.frames[j].Data[px]
		}
		bg[px] = frame.MedianOf(buf)
	}
	return bg, nil
}

// Process computes the background, the processed frame and the quality
// mask of frame i. Processed pixels are (frame - background) * median,
// which puts them back in the frame's original units.
func (s *Stack) Process(i int) (Output, error) {
	bg, err := s.Background(i)
	if err != nil {
		return Output{}, err
	}
	src := s.frames[i]
	med := s.medians[i]
	start, end := Window(i, len(s.frames), s.window)

	processed := make([]float64, len(bg))
	for px, b := range bg {
		processed[px] = (src.Data[px] - b) * med
	}

	bgFrame := src.Derive(src.Name, bg)
	if src.HasMask() {
		if err := bgFrame.SetMask(src.Mask); err != nil {
			return Output{}, err
		}
	}
	quality, err := qualityMask(bgFrame, med)
	if err != nil {
		return Output{}, err
	}

	return Output{
		Index:      i,
		Start:      start,
		End:        end,
		Median:     med,
		Processed:  src.Derive("p"+src.Name, processed),
		Background: bgFrame,
		Quality:    bgFrame.Derive(src.Name, quality),
	}, nil
}

// qualityMask keeps pixels whose background stays below the frame median
// plus QualitySigma background deviations, within the input mask.
func qualityMask(bg *frame.Frame, median float64) ([]float64, error) {
	sigma, err := frame.Std(bg)
	if err != nil {
		return nil, err
	}
	limit := median + QualitySigma*sigma
	out := make([]float64, len(bg.Data))
	for px, v := range bg.Data {
		if bg.Valid(px) && v < limit {
			out[px] = 1
		}
	}
	return out, nil
}
