package quality

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SummaryFile is the per-run summary file name.
const SummaryFile = "crpix.dat"

const summaryHeader = "#date;crpix1;std1;crpix2;std2;nim"

// MalformedSummaryError points at an unparsable summary line.
type MalformedSummaryError struct {
	Path string
	Line int
	Err  error
}

func (e *MalformedSummaryError) Error() string {
	return fmt.Sprintf("%s:%d: malformed summary: %v", e.Path, e.Line, e.Err)
}

func (e *MalformedSummaryError) Unwrap() error { return e.Err }

// WriteSummaryFile writes s to path. Nothing is written for an empty run.
func WriteSummaryFile(path string, s Summary) (bool, error) {
	if s.Count == 0 {
		return false, nil
	}
	var b strings.Builder
	b.WriteString(summaryHeader)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%s;%s;%s;%s;%s;%d\n", s.Run,
		formatFloat(s.CRPIX1), formatFloat(s.Std1),
		formatFloat(s.CRPIX2), formatFloat(s.Std2), s.Count)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// ReadSummaryFile parses every summary line of path. A missing file yields
// no summaries and no error.
func ReadSummaryFile(path string) ([]Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Summary
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s, err := parseSummaryLine(text)
		if err != nil {
			return nil, &MalformedSummaryError{Path: path, Line: line, Err: err}
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseSummaryLine(text string) (Summary, error) {
	fields := strings.Split(text, ";")
	if len(fields) < 6 {
		return Summary{}, fmt.Errorf("want 6 fields, got %d", len(fields))
	}
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return Summary{}, err
		}
		vals[i] = v
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Run:    strings.TrimSpace(fields[0]),
		CRPIX1: vals[0],
		Std1:   vals[1],
		CRPIX2: vals[2],
		Std2:   vals[3],
		Count:  n,
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
