package solver

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Report columns read from the solver's XML output.
const (
	FieldContrast = "XY_Contrast"
	FieldCatalog  = "Catalog_Name"
	FieldDate     = "Observation_Date"
)

// MalformedReportError is returned when a report lacks a required field
// or holds a value that cannot be parsed.
type MalformedReportError struct {
	Path  string
	Field string
	Err   error
}

func (e *MalformedReportError) Error() string {
	msg := "malformed solver report"
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

// Entry is one catalog line of a report.
type Entry struct {
	Catalog  string
	Contrast float64
	// Date is the mid-exposure epoch as a decimal year.
	Date float64
}

// Report is the per-catalog table of one solver run.
type Report struct {
	Entries []Entry
}

// Best returns the entry with the highest contrast.
func (r Report) Best() (Entry, bool) {
	if len(r.Entries) == 0 {
		return Entry{}, false
	}
	best := r.Entries[0]
	for _, e := range r.Entries[1:] {
		if e.Contrast > best.Contrast {
			best = e
		}
	}
	return best, true
}

// Below returns the entries whose contrast is under threshold.
func (r Report) Below(threshold float64) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Contrast < threshold {
			out = append(out, e)
		}
	}
	return out
}

type votable struct {
	Resources []resource `xml:"RESOURCE"`
}

type resource struct {
	Resources []resource `xml:"RESOURCE"`
	Tables    []table    `xml:"TABLE"`
}

type table struct {
	Name   string  `xml:"name,attr"`
	Fields []field `xml:"FIELD"`
	Rows   []row   `xml:"DATA>TABLEDATA>TR"`
}

type field struct {
	Name string `xml:"name,attr"`
}

type row struct {
	Cells []string `xml:"TD"`
}

func firstTable(rs []resource) *table {
	for i := range rs {
		if len(rs[i].Tables) > 0 {
			return &rs[i].Tables[0]
		}
		if t := firstTable(rs[i].Resources); t != nil {
			return t
		}
	}
	return nil
}

// ReadReport parses the XML report at path.
func ReadReport(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()
	rep, err := ParseReport(f)
	if me, ok := err.(*MalformedReportError); ok {
		me.Path = path
	}
	return rep, err
}

// ParseReport reads the first table of a VOTable document.
func ParseReport(r io.Reader) (Report, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	var doc votable
	if err := dec.Decode(&doc); err != nil {
		return Report{}, &MalformedReportError{Err: err}
	}
	t := firstTable(doc.Resources)
	if t == nil {
		return Report{}, &MalformedReportError{Err: fmt.Errorf("no table")}
	}

	cols := map[string]int{}
	for i, f := range t.Fields {
		cols[f.Name] = i
	}
	for _, name := range []string{FieldContrast, FieldCatalog, FieldDate} {
		if _, ok := cols[name]; !ok {
			return Report{}, &MalformedReportError{Field: name, Err: fmt.Errorf("missing")}
		}
	}

	rep := Report{Entries: make([]Entry, 0, len(t.Rows))}
	for _, r := range t.Rows {
		var e Entry
		var err error
		if e.Catalog, err = cell(r, cols[FieldCatalog], FieldCatalog); err != nil {
			return Report{}, err
		}
		if e.Contrast, err = floatCell(r, cols[FieldContrast], FieldContrast); err != nil {
			return Report{}, err
		}
		if e.Date, err = floatCell(r, cols[FieldDate], FieldDate); err != nil {
			return Report{}, err
		}
		rep.Entries = append(rep.Entries, e)
	}
	return rep, nil
}

func cell(r row, idx int, name string) (string, error) {
	if idx >= len(r.Cells) {
		return "", &MalformedReportError{Field: name, Err: fmt.Errorf("short row")}
	}
	return strings.TrimSpace(r.Cells[idx]), nil
}

func floatCell(r row, idx int, name string) (float64, error) {
	s, err := cell(r, idx, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &MalformedReportError{Field: name, Err: err}
	}
	return v, nil
}
