package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
)

// DateObsLayout is the DATE-OBS layout written by the capture software.
// Fractional seconds are optional when parsing.
const DateObsLayout = "2006-01-02T15:04:05"

// structural keywords are regenerated by the writer.
var structural = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true,
	"NAXIS2": true, "NAXIS3": true, "EXTEND": true, "END": true,
	"BZERO": true, "BSCALE": true, "COMMENT": true, "HISTORY": true, "": true,
}

// Read loads the primary HDU of a FITS file.
func Read(path string) (*Frame, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("fits %s: primary HDU is not an image", path)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	data, err := decode(img.Raw(), hdr.Bitpix(), headerFloat(hdr, "BZERO", 0), headerFloat(hdr, "BSCALE", 1))
	if err != nil {
		return nil, fmt.Errorf("fits %s: %w", path, err)
	}

	name := filepath.Base(path)
	fr, err := New(name, axes, data)
	if err != nil {
		return nil, err
	}
	fr.Path = path
	fr.Meta = metadataFrom(hdr)
	for _, key := range hdr.Keys() {
		if structural[key] {
			continue
		}
		if c := hdr.Get(key); c != nil {
			fr.Cards = append(fr.Cards, Card{Name: c.Name, Value: c.Value, Comment: c.Comment})
		}
	}
	return fr, nil
}

// ReadHeader returns the metadata of a FITS file.
func ReadHeader(path string) (Metadata, error) {
	r, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()
	return metadataFrom(f.HDU(0).Header()), nil
}

// ReadMask loads a mask image. Pixels greater than zero are valid.
func ReadMask(path string) (*Frame, []bool, error) {
	fr, err := Read(path)
	if err != nil {
		return nil, nil, err
	}
	mask := make([]bool, len(fr.Data))
	for i, v := range fr.Data {
		mask[i] = v > 0
	}
	return fr, mask, nil
}

// Write stores f as a 64-bit float primary image with its header cards.
func Write(path string, f *Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	ff, err := fitsio.Create(out)
	if err != nil {
		return fmt.Errorf("create fits %s: %w", path, err)
	}
	defer ff.Close()

	img := fitsio.NewImage(-64, f.Axes)
	defer img.Close()

	seen := make(map[string]bool, len(f.Cards))
	cards := make([]fitsio.Card, 0, len(f.Cards))
	for _, c := range f.Cards {
		if structural[c.Name] || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		cards = append(cards, fitsio.Card{Name: c.Name, Value: c.Value, Comment: c.Comment})
	}
	if err := img.Header().Append(cards...); err != nil {
		return fmt.Errorf("fits %s header: %w", path, err)
	}
	if err := img.Write(f.Data); err != nil {
		return fmt.Errorf("fits %s data: %w", path, err)
	}
	if err := ff.Write(img); err != nil {
		return fmt.Errorf("fits %s: %w", path, err)
	}
	return nil
}

// ParseDateObs parses a DATE-OBS value as UTC.
func ParseDateObs(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(DateObsLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func metadataFrom(hdr *fitsio.Header) Metadata {
	meta := Metadata{Naxis: len(hdr.Axes())}
	if v, ok := cardFloat(hdr.Get("EXPOSURE")); ok {
		meta.Exposure = v
		meta.HasExposure = true
	}
	if c := hdr.Get("DATE-OBS"); c != nil {
		if s, ok := c.Value.(string); ok {
			if t, err := ParseDateObs(s); err == nil {
				meta.ObservedAt = t
			}
		}
	}
	if c := hdr.Get("TELESCOP"); c != nil {
		if s, ok := c.Value.(string); ok {
			meta.Station = strings.TrimSpace(s)
		}
	}
	return meta
}

func headerFloat(hdr *fitsio.Header, name string, def float64) float64 {
	if v, ok := cardFloat(hdr.Get(name)); ok {
		return v
	}
	return def
}

func cardFloat(c *fitsio.Card) (float64, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// decode converts a big-endian FITS data unit to physical values.
func decode(raw []byte, bitpix int, bzero, bscale float64) ([]float64, error) {
	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	if size == 0 || len(raw)%size != 0 {
		return nil, fmt.Errorf("bitpix %d does not divide %d bytes", bitpix, len(raw))
	}
	n := len(raw) / size
	out := make([]float64, n)
	be := binary.BigEndian
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(be.Uint16(b)))
		case 32:
			v = float64(int32(be.Uint32(b)))
		case 64:
			v = float64(int64(be.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(be.Uint32(b)))
		case -64:
			v = math.Float64frombits(be.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported bitpix %d", bitpix)
		}
		out[i] = bzero + bscale*v
	}
	return out, nil
}
