// Package metaimage reads and writes MetaImage (.mha) files: tracked frame
// sequences in the layout written by ultrasound tracking toolkits, single
// posed frames, and reconstructed volumes.
package metaimage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrFormat is returned for malformed MetaImage headers or payloads.
var ErrFormat = errors.New("invalid metaimage")

// Header is the ordered list of "Key = Value" fields preceding the pixel data.
type Header struct {
	keys   []string
	values map[string]string
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// Set adds or replaces a field, keeping first-insertion order.
func (h *Header) Set(key, value string) {
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns the value of a field.
func (h *Header) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Keys returns the field names in file order.
func (h *Header) Keys() []string {
	return h.keys
}

// Ints parses a whitespace separated integer field.
func (h *Header) Ints(key string) ([]int, error) {
	v, ok := h.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrFormat, key)
	}
	fields := strings.Fields(v)
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, key, err)
		}
		out[i] = n
	}
	return out, nil
}

// Floats parses a whitespace separated float field.
func (h *Header) Floats(key string) ([]float64, error) {
	v, ok := h.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrFormat, key)
	}
	return parseFloats(key, v)
}

// Bool parses a True/False field, returning def when the field is absent.
func (h *Header) Bool(key string, def bool) bool {
	v, ok := h.values[key]
	if !ok {
		return def
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func parseFloats(key, v string) ([]float64, error) {
	fields := strings.Fields(v)
	out := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, key, err)
		}
		out[i] = x
	}
	return out, nil
}

// readHeader consumes header lines up to and including ElementDataFile,
// which always terminates a MetaImage header.
func readHeader(r *bufio.Reader) (*Header, error) {
	h := NewHeader()
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("%w: header ends before ElementDataFile", ErrFormat)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrFormat, line)
		}
		key = strings.TrimSpace(key)
		h.Set(key, strings.TrimSpace(value))
		if key == "ElementDataFile" {
			return h, nil
		}
	}
}

// writeHeader writes the fields in order; ElementDataFile must be last.
func writeHeader(w io.Writer, h *Header) error {
	bw := bufio.NewWriter(w)
	for _, k := range h.keys {
		if k == "ElementDataFile" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s = %s\n", k, h.values[k]); err != nil {
			return err
		}
	}
	dataFile, ok := h.values["ElementDataFile"]
	if !ok {
		dataFile = "LOCAL"
	}
	if _, err := fmt.Fprintf(bw, "ElementDataFile = %s\n", dataFile); err != nil {
		return err
	}
	return bw.Flush()
}

func formatFloats(values ...float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
