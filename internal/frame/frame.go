package frame

import (
	"fmt"
	"time"
)

// Metadata holds the header fields the reduction reads from a capture.
type Metadata struct {
	Exposure    float64
	HasExposure bool
	ObservedAt  time.Time // zero when DATE-OBS is absent or unparsable
	Station     string    // TELESCOP
	Naxis       int
}

// Card is a single header keyword carried through to written outputs.
type Card struct {
	Name    string
	Value   any
	Comment string
}

// Frame is one image (or cube) plus an optional validity mask.
//
// Data is stored row-major with NAXIS1 varying fastest, the same order as
// the FITS data unit. Mask, when present, has either one entry per pixel or
// one entry per plane pixel, in which case it applies to every plane.
type Frame struct {
	Name  string
	Path  string
	Axes  []int
	Data  []float64
	Mask  []bool
	Meta  Metadata
	Cards []Card

	median     float64
	normalized bool
	rev        uint64
}

// New builds a frame and checks that data matches the axes.
func New(name string, axes []int, data []float64) (*Frame, error) {
	if len(axes) < 2 {
		return nil, fmt.Errorf("frame %s: need at least 2 axes, got %d", name, len(axes))
	}
	n := 1
	for _, a := range axes {
		if a <= 0 {
			return nil, fmt.Errorf("frame %s: invalid axis length %d", name, a)
		}
		n *= a
	}
	if len(data) != n {
		return nil, fmt.Errorf("frame %s: data has %d values, axes %v need %d", name, len(data), axes, n)
	}
	ax := append([]int(nil), axes...)
	return &Frame{Name: name, Axes: ax, Data: data, Meta: Metadata{Naxis: len(ax)}}, nil
}

// HasMask reports whether a validity mask is attached.
func (f *Frame) HasMask() bool {
	return len(f.Mask) > 0
}

// SetMask attaches a mask covering either the whole frame or one plane.
func (f *Frame) SetMask(mask []bool) error {
	if len(mask) == 0 {
		f.Mask = nil
		f.rev++
		return nil
	}
	if len(mask) != len(f.Data) && len(mask) != f.PlaneSize() {
		return fmt.Errorf("frame %s: mask has %d entries, want %d or %d", f.Name, len(mask), len(f.Data), f.PlaneSize())
	}
	f.Mask = mask
	f.rev++
	return nil
}

// Valid reports whether pixel i takes part in statistics.
func (f *Frame) Valid(i int) bool {
	if !f.HasMask() {
		return true
	}
	return f.Mask[i%len(f.Mask)]
}

// PlaneSize is NAXIS1*NAXIS2.
func (f *Frame) PlaneSize() int {
	if len(f.Axes) < 2 {
		return len(f.Data)
	}
	return f.Axes[0] * f.Axes[1]
}

// Conforms reports whether o has the same geometry as f.
func (f *Frame) Conforms(o *Frame) bool {
	if len(f.Axes) != len(o.Axes) {
		return false
	}
	for i := range f.Axes {
		if f.Axes[i] != o.Axes[i] {
			return false
		}
	}
	return true
}

// Revision changes every time the pixel data or mask is mutated through
// this package.
func (f *Frame) Revision() uint64 {
	return f.rev
}

// Touch marks the data as modified by a caller writing Data directly.
func (f *Frame) Touch() {
	f.rev++
}

// NormMedian returns the median recorded by Normalize.
func (f *Frame) NormMedian() (float64, bool) {
	return f.median, f.normalized
}

// Derive returns a new frame with f's geometry, metadata and header cards
// but the given data. The mask is not carried over.
func (f *Frame) Derive(name string, data []float64) *Frame {
	cards := make([]Card, len(f.Cards))
	copy(cards, f.Cards)
	return &Frame{
		Name:  name,
		Axes:  append([]int(nil), f.Axes...),
		Data:  data,
		Meta:  f.Meta,
		Cards: cards,
	}
}

// SetCard replaces or appends a header card.
func (f *Frame) SetCard(name string, value any, comment string) {
	for i := range f.Cards {
		if f.Cards[i].Name == name {
			f.Cards[i].Value = value
			f.Cards[i].Comment = comment
			return
		}
	}
	f.Cards = append(f.Cards, Card{Name: name, Value: value, Comment: comment})
}
