package frame

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var magick struct {
	mu     sync.Mutex
	active bool
	done   bool
}

// InitQuicklook sets up the MagickWand environment for the life of the
// process. WriteQuicklook calls it on first use.
func InitQuicklook() error {
	magick.mu.Lock()
	defer magick.mu.Unlock()
	if magick.done {
		return fmt.Errorf("quicklook: imaging environment already terminated")
	}
	if !magick.active {
		imagick.Initialize()
		magick.active = true
	}
	return nil
}

// TerminateQuicklook tears the MagickWand environment down. It cannot be
// set up again afterwards, so call it once at shutdown.
func TerminateQuicklook() {
	magick.mu.Lock()
	defer magick.mu.Unlock()
	if magick.active {
		imagick.Terminate()
	}
	magick.active = false
	magick.done = true
}

// WriteQuicklook renders the first plane of f as a min/max stretched PNG.
func WriteQuicklook(path string, f *Frame) error {
	if len(f.Axes) < 2 {
		return fmt.Errorf("quicklook %s: frame has no plane", f.Name)
	}
	plane := f.PlaneSize()
	lo, hi := 0.0, 0.0
	first := true
	for i := 0; i < plane; i++ {
		if !f.Valid(i) {
			continue
		}
		v := f.Data[i]
		if first || v < lo {
			lo = v
		}
		if first || v > hi {
			hi = v
		}
		first = false
	}
	if first {
		return &EmptyInputError{Frame: f.Name}
	}

	pixels := make([]float64, plane)
	span := hi - lo
	for i := range pixels {
		if span == 0 || !f.Valid(i) {
			continue
		}
		pixels[i] = (f.Data[i] - lo) / span
	}

	if err := InitQuicklook(); err != nil {
		return err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(f.Axes[0]), uint(f.Axes[1]), "I", imagick.PIXEL_DOUBLE, pixels); err != nil {
		return fmt.Errorf("quicklook %s: %w", f.Name, err)
	}
	// FITS rows run bottom-up.
	if err := mw.FlipImage(); err != nil {
		return fmt.Errorf("quicklook %s: %w", f.Name, err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return fmt.Errorf("quicklook %s: %w", f.Name, err)
	}
	return mw.WriteImage(path)
}
