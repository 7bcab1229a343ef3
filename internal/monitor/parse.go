package monitor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Field is one numeric sample within a record.
type Field struct {
	Name  string
	Value float64
}

// Record is one parsed row, entry or log line, fields in source order.
type Record []Field

// parser turns appended file content into records. Feed may be called with
// chunks that end mid-line; the remainder is kept for the next call.
type parser interface {
	Feed(chunk []byte) []Record
	// Flush parses whatever is buffered as if the file ended there.
	Flush() []Record
	Reset()
}

func newParser(p string) parser {
	switch strings.ToLower(path.Ext(p)) {
	case ".csv":
		return &csvParser{}
	case ".json":
		return &jsonParser{}
	default:
		return &kvParser{}
	}
}

type lineBuffer struct {
	pending []byte
}

// lines returns the complete lines in pending+chunk and keeps the rest.
func (b *lineBuffer) lines(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)
	idx := bytes.LastIndexByte(b.pending, '\n')
	if idx < 0 {
		return nil
	}
	complete := string(b.pending[:idx])
	b.pending = append([]byte(nil), b.pending[idx+1:]...)
	return strings.Split(complete, "\n")
}

func (b *lineBuffer) rest() []string {
	if len(b.pending) == 0 {
		return nil
	}
	s := string(b.pending)
	b.pending = nil
	return []string{s}
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// csvParser treats the first line as the header; numeric cells of later
// lines become fields.
type csvParser struct {
	buf    lineBuffer
	header []string
}

func (p *csvParser) Feed(chunk []byte) []Record { return p.parse(p.buf.lines(chunk)) }
func (p *csvParser) Flush() []Record            { return p.parse(p.buf.rest()) }
func (p *csvParser) Reset()                     { *p = csvParser{} }

func (p *csvParser) parse(lines []string) []Record {
	var out []Record
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		r := csv.NewReader(strings.NewReader(line))
		r.TrimLeadingSpace = true
		cells, err := r.Read()
		if err != nil {
			continue
		}
		if p.header == nil {
			for _, c := range cells {
				p.header = append(p.header, strings.TrimSpace(c))
			}
			continue
		}
		var rec Record
		for i, c := range cells {
			if i >= len(p.header) {
				break
			}
			if p.header[i] == "" {
				continue
			}
			if v, ok := parseNumber(c); ok {
				rec = append(rec, Field{Name: p.header[i], Value: v})
			}
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out
}

// jsonParser decodes a stream of JSON values: JSON lines, concatenated
// objects, or a single array of objects.
type jsonParser struct {
	pending []byte
}

func (p *jsonParser) Reset() { p.pending = nil }

func (p *jsonParser) Feed(chunk []byte) []Record {
	p.pending = append(p.pending, chunk...)
	return p.decode(false)
}

func (p *jsonParser) Flush() []Record {
	out := p.decode(true)
	p.pending = nil
	return out
}

func (p *jsonParser) decode(final bool) []Record {
	var out []Record
	for len(bytes.TrimSpace(p.pending)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(p.pending))
		dec.UseNumber()
		var v any
		err := dec.Decode(&v)
		if err == nil {
			out = append(out, recordsFrom(v)...)
			p.pending = p.pending[dec.InputOffset():]
			continue
		}
		if (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)) && !final {
			break
		}
		// Skip the malformed line and try again after it.
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			p.pending = nil
			break
		}
		p.pending = p.pending[idx+1:]
	}
	p.pending = append([]byte(nil), p.pending...)
	return out
}

func recordsFrom(v any) []Record {
	switch t := v.(type) {
	case map[string]any:
		if rec := objectRecord(t); len(rec) > 0 {
			return []Record{rec}
		}
	case []any:
		var out []Record
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				if rec := objectRecord(m); len(rec) > 0 {
					out = append(out, rec)
				}
			}
		}
		return out
	}
	return nil
}

func objectRecord(m map[string]any) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var rec Record
	for _, k := range keys {
		switch val := m[k].(type) {
		case json.Number:
			if f, err := val.Float64(); err == nil {
				rec = append(rec, Field{Name: k, Value: f})
			}
		case string:
			if f, ok := parseNumber(val); ok {
				rec = append(rec, Field{Name: k, Value: f})
			}
		}
	}
	return rec
}

var kvPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.\-]*)\s*[=:]\s*(-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?)`)

// kvParser extracts "name=value" and "name: value" pairs from text lines.
type kvParser struct {
	buf lineBuffer
}

func (p *kvParser) Feed(chunk []byte) []Record { return p.parse(p.buf.lines(chunk)) }
func (p *kvParser) Flush() []Record            { return p.parse(p.buf.rest()) }
func (p *kvParser) Reset()                     { *p = kvParser{} }

func (p *kvParser) parse(lines []string) []Record {
	var out []Record
	for _, line := range lines {
		var rec Record
		for _, m := range kvPattern.FindAllStringSubmatch(line, -1) {
			if v, ok := parseNumber(m[2]); ok {
				rec = append(rec, Field{Name: m[1], Value: v})
			}
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out
}
