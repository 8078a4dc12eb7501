package frame

import (
	"errors"
	"math"
	"sort"
)

// ErrEmptyInput matches any EmptyInputError.
var ErrEmptyInput = errors.New("no valid pixels")

// EmptyInputError is returned when a statistic has nothing to work on.
type EmptyInputError struct {
	Frame string
}

func (e *EmptyInputError) Error() string {
	if e.Frame == "" {
		return ErrEmptyInput.Error()
	}
	return "frame " + e.Frame + ": " + ErrEmptyInput.Error()
}

func (e *EmptyInputError) Is(target error) bool {
	return target == ErrEmptyInput
}

// validValues copies the pixels selected by the mask.
func validValues(f *Frame) []float64 {
	if !f.HasMask() {
		return append([]float64(nil), f.Data...)
	}
	out := make([]float64, 0, len(f.Data))
	for i, v := range f.Data {
		if f.Valid(i) {
			out = append(out, v)
		}
	}
	return out
}

// Median is the median of the valid pixels.
func Median(f *Frame) (float64, error) {
	vals := validValues(f)
	if len(vals) == 0 {
		return 0, &EmptyInputError{Frame: f.Name}
	}
	return MedianOf(vals), nil
}

// Std is the population standard deviation of the valid pixels.
func Std(f *Frame) (float64, error) {
	vals := validValues(f)
	if len(vals) == 0 {
		return 0, &EmptyInputError{Frame: f.Name}
	}
	return StdOf(vals), nil
}

// Mean is the arithmetic mean of the valid pixels.
func Mean(f *Frame) (float64, error) {
	vals := validValues(f)
	if len(vals) == 0 {
		return 0, &EmptyInputError{Frame: f.Name}
	}
	return meanOf(vals), nil
}

// MedianOf sorts vals in place and returns its median. An even count
// averages the two middle values. vals must not be empty.
func MedianOf(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// StdOf is the population standard deviation of vals.
func StdOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := meanOf(vals)
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)))
}

func meanOf(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Sample is a snapshot of masked statistics. It remembers the frame
// revision it was taken from so stale copies can be detected.
type Sample struct {
	Median float64
	Std    float64
	Mean   float64
	Count  int
	rev    uint64
}

// Summarize computes all masked statistics in one pass over the data.
func Summarize(f *Frame) (Sample, error) {
	vals := validValues(f)
	if len(vals) == 0 {
		return Sample{}, &EmptyInputError{Frame: f.Name}
	}
	s := Sample{
		Std:   StdOf(vals),
		Mean:  meanOf(vals),
		Count: len(vals),
		rev:   f.rev,
	}
	s.Median = MedianOf(vals)
	return s, nil
}

// Fresh reports whether s still describes f.
func (s Sample) Fresh(f *Frame) bool {
	return s.Count > 0 && s.rev == f.rev
}

// Normalize divides f by its masked median in place and records the
// median on the frame. A zero median leaves the data untouched.
func Normalize(f *Frame) (float64, error) {
	med, err := Median(f)
	if err != nil {
		return 0, err
	}
	f.median = med
	f.normalized = true
	if med == 0 {
		return 0, nil
	}
	for i := range f.Data {
		f.Data[i] /= med
	}
	f.rev++
	return med, nil
}
