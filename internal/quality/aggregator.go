package quality

import (
	"sort"
	"sync"

	"meteorcal/internal/frame"
)

// RunAcceptContrast is the minimum solver contrast for a frame to count
// towards its run's summary.
const RunAcceptContrast = 2.0

// Record is the solver's verdict on one frame.
type Record struct {
	Frame    string
	Catalog  string
	Contrast float64
	CRPIX1   float64
	CRPIX2   float64
	HasCRPIX bool
}

// Accepted reports whether the record passes the run threshold.
func (r Record) Accepted() bool {
	return r.Contrast >= RunAcceptContrast
}

// Summary condenses one run. Std is zero when Count <= 1.
type Summary struct {
	Run    string
	CRPIX1 float64
	Std1   float64
	CRPIX2 float64
	Std2   float64
	Count  int
}

// Aggregator pools the accepted records of one run. It is safe for
// concurrent use.
type Aggregator struct {
	mu            sync.Mutex
	run           string
	accepted      []Record
	rejected      []Record
	uncoordinated []Record
}

// NewAggregator starts an empty aggregation for run.
func NewAggregator(run string) *Aggregator {
	return &Aggregator{run: run}
}

// Add files a record and reports whether it was pooled. Records that pass
// on contrast but carry no reference pixel are kept aside.
func (a *Aggregator) Add(rec Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !rec.Accepted():
		a.rejected = append(a.rejected, rec)
		return false
	case !rec.HasCRPIX:
		a.uncoordinated = append(a.uncoordinated, rec)
		return false
	}
	a.accepted = append(a.accepted, rec)
	return true
}

// Accepted returns the pooled records ordered by catalog.
func (a *Aggregator) Accepted() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedCopy(a.accepted)
}

// Rejected returns the records below the contrast threshold.
func (a *Aggregator) Rejected() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedCopy(a.rejected)
}

// Uncoordinated returns records that passed on contrast without a
// reference pixel.
func (a *Aggregator) Uncoordinated() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedCopy(a.uncoordinated)
}

// Summary returns the pooled statistics, or false when nothing was
// accepted.
func (a *Aggregator) Summary() (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.accepted)
	if n == 0 {
		return Summary{Run: a.run}, false
	}
	c1 := make([]float64, n)
	c2 := make([]float64, n)
	for i, r := range a.accepted {
		c1[i] = r.CRPIX1
		c2[i] = r.CRPIX2
	}
	s := Summary{
		Run:    a.run,
		CRPIX1: frame.MedianOf(c1),
		CRPIX2: frame.MedianOf(c2),
		Count:  n,
	}
	if n > 1 {
		s.Std1 = frame.StdOf(c1)
		s.Std2 = frame.StdOf(c2)
	}
	return s, true
}

func sortedCopy(in []Record) []Record {
	out := append([]Record(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Catalog != out[j].Catalog {
			return out[i].Catalog < out[j].Catalog
		}
		return out[i].Frame < out[j].Frame
	})
	return out
}
