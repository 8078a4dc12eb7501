package refine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/soniakeys/meeus/v3/julian"

	"meteorcal/internal/solver"
)

// EventMinContrast is the minimum contrast of a header used to reduce a
// meteor event. It is stricter than RejectContrast.
const EventMinContrast = 5.0

// DefaultEventMaxDays bounds the time between an event and its header.
const DefaultEventMaxDays = 30.0

// EventLayout is the timestamp prefix of event names.
const EventLayout = "20060102T150405"

// ErrNoEventHead is returned when no catalog qualifies for an event.
var ErrNoEventHead = errors.New("no solved header for event")

// EventHead is the header chosen for an event.
type EventHead struct {
	Catalog   string
	Head      string
	Contrast  float64
	DeltaDays float64 // catalog epoch minus event epoch
}

// ParseEventTime reads the UTC time encoded at the start of an event
// name, for example 20160806T220747_UT.
func ParseEventTime(name string) (time.Time, error) {
	if len(name) < len(EventLayout) {
		return time.Time{}, fmt.Errorf("event name %q too short", name)
	}
	return time.ParseInLocation(EventLayout, name[:len(EventLayout)], time.UTC)
}

// DecimalYear converts t to a decimal year on the Julian day scale.
func DecimalYear(t time.Time) float64 {
	t = t.UTC()
	y := t.Year()
	start := julian.CalendarGregorianToJD(y, 1, 1)
	end := julian.CalendarGregorianToJD(y+1, 1, 1)
	return float64(y) + (julian.TimeToJD(t)-start)/(end-start)
}

// SelectEventHead picks, among the catalogs of a global solver report,
// the one closest in time to event with contrast of at least minContrast
// and at most maxDays away. Heads are looked up in dir.
func SelectEventHead(rep solver.Report, dir string, event time.Time, minContrast, maxDays float64) (EventHead, error) {
	if minContrast <= 0 {
		minContrast = EventMinContrast
	}
	if maxDays <= 0 {
		maxDays = DefaultEventMaxDays
	}
	ev := DecimalYear(event)

	cands := make([]EventHead, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		if e.Contrast < minContrast {
			continue
		}
		delta := (e.Date - ev) * daysInYear(event.UTC().Year())
		if math.Abs(delta) > maxDays {
			continue
		}
		head := solver.HeadPath(dir, e.Catalog)
		if _, err := os.Stat(head); err != nil {
			continue
		}
		cands = append(cands, EventHead{Catalog: e.Catalog, Head: head, Contrast: e.Contrast, DeltaDays: delta})
	}
	if len(cands) == 0 {
		return EventHead{}, ErrNoEventHead
	}
	sort.SliceStable(cands, func(i, j int) bool {
		di, dj := math.Abs(cands[i].DeltaDays), math.Abs(cands[j].DeltaDays)
		if di != dj {
			return di < dj
		}
		return cands[i].Contrast > cands[j].Contrast
	})
	return cands[0], nil
}

func daysInYear(y int) float64 {
	return julian.CalendarGregorianToJD(y+1, 1, 1) - julian.CalendarGregorianToJD(y, 1, 1)
}

// WriteEventHead copies a solved header to dst without its CRVAL cards,
// so the event reduction solves the pointing afresh.
func WriteEventHead(src, dst string) error {
	frag, err := solver.ReadFragment(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return solver.WriteFragmentFile(dst, frag.Without("CRVAL"))
}
