package solver

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Line is one card of a header fragment.
type Line struct {
	Key  string
	Text string
}

// Fragment is an ordered text header as read and written by the solver
// (".head" / ".ahead" files). Lines are kept verbatim unless replaced.
type Fragment struct {
	Lines []Line
}

// ParseFragment reads a header fragment.
func ParseFragment(r io.Reader) (*Fragment, error) {
	f := &Fragment{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		f.Lines = append(f.Lines, Line{Key: cardKey(text), Text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// ReadFragment reads the header fragment at path.
func ReadFragment(path string) (*Fragment, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ParseFragment(fh)
}

func cardKey(text string) string {
	if i := strings.IndexByte(text, '='); i > 0 && i <= 10 {
		return strings.TrimSpace(text[:i])
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Value returns the raw value of key with any comment and quotes removed.
func (f *Fragment) Value(key string) (string, bool) {
	for _, l := range f.Lines {
		if l.Key != key {
			continue
		}
		i := strings.IndexByte(l.Text, '=')
		if i < 0 {
			return "", false
		}
		return cardValue(l.Text[i+1:]), true
	}
	return "", false
}

func cardValue(s string) string {
	inQuote := false
	for i, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '/' && !inQuote:
			s = s[:i]
			return strings.Trim(strings.TrimSpace(s), "'")
		}
	}
	return strings.Trim(strings.TrimSpace(s), "'")
}

// Float returns the numeric value of key.
func (f *Fragment) Float(key string) (float64, bool) {
	v, ok := f.Value(key)
	if !ok {
		return 0, false
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return x, true
}

// Has reports whether key is present.
func (f *Fragment) Has(key string) bool {
	for _, l := range f.Lines {
		if l.Key == key {
			return true
		}
	}
	return false
}

// SetLine replaces every line of key with text, or inserts it before END
// when key is absent.
func (f *Fragment) SetLine(key, text string) {
	found := false
	for i := range f.Lines {
		if f.Lines[i].Key == key {
			f.Lines[i].Text = text
			found = true
		}
	}
	if found {
		return
	}
	l := Line{Key: key, Text: text}
	for i := range f.Lines {
		if f.Lines[i].Key == "END" {
			f.Lines = append(f.Lines[:i], append([]Line{l}, f.Lines[i:]...)...)
			return
		}
	}
	f.Lines = append(f.Lines, l)
}

// SetFloat writes "KEY     = value".
func (f *Fragment) SetFloat(key string, v float64) {
	f.SetLine(key, FormatCard(key, strconv.FormatFloat(v, 'g', -1, 64)))
}

// FormatCard pads key to the eight-character keyword field.
func FormatCard(key, value string) string {
	if len(key) < 8 {
		key += strings.Repeat(" ", 8-len(key))
	}
	return key + "= " + value
}

// Override copies the lines of src whose key starts with one of prefixes
// into f, leaving every other line of f as it was.
func (f *Fragment) Override(src *Fragment, prefixes ...string) int {
	n := 0
	for _, l := range src.Lines {
		if hasAnyPrefix(l.Key, prefixes) {
			f.SetLine(l.Key, l.Text)
			n++
		}
	}
	return n
}

// Without returns a copy of f minus the lines whose key starts with one of
// prefixes.
func (f *Fragment) Without(prefixes ...string) *Fragment {
	out := &Fragment{}
	for _, l := range f.Lines {
		if !hasAnyPrefix(l.Key, prefixes) {
			out.Lines = append(out.Lines, l)
		}
	}
	return out
}

// Clone returns an independent copy of f.
func (f *Fragment) Clone() *Fragment {
	return &Fragment{Lines: append([]Line(nil), f.Lines...)}
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Bytes renders f one card per line.
func (f *Fragment) Bytes() []byte {
	var b bytes.Buffer
	for _, l := range f.Lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// WriteFragmentFile replaces path atomically with f.
func WriteFragmentFile(path string, f *Fragment) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(f.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
