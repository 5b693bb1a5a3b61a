// Package preload imports key/value pairs from a file into the dictionary.
//
// Text files (.txt, .properties) carry one protocol line per line. JSON files
// (.json) carry a flat object whose non-string values are stored as their
// JSON encoding. Lines naming a command, a special key or a retrieve are
// counted as ignored.
package preload

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kvhub/kvhub/server/internal/protocol"
)

var (
	ErrUnsupportedExtension = errors.New("preload: unsupported file extension")
	ErrInvalidEncoding      = errors.New("preload: file is not valid UTF-8")
)

// Entry is one imported pair.
type Entry struct {
	Key   string
	Value string
}

// Result is the outcome of reading a preload file.
type Result struct {
	Entries []Entry
	Ignored int // special keys skipped
}

// Store receives imported values.
type Store interface {
	CreateValue(key, value string) bool
	UpdateValue(key, value string)
}

// Load reads path and returns its entries in file order.
func Load(path string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".properties", ".json":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExtension, filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("preload: read %q: %w", path, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, path)
	}

	if ext == ".json" {
		return parseJSON(data)
	}
	return parseLines(data)
}

func parseLines(data []byte) (*Result, error) {
	res := &Result{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), protocol.DefaultMaxLine)
	for sc.Scan() {
		res.add(strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("preload: scan: %w", err)
	}
	return res, nil
}

func parseJSON(data []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("preload: parse json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("preload: parse json: top level must be an object")
	}

	res := &Result{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("preload: parse json: %w", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("preload: parse json: key %q: %w", key, err)
		}
		if key == "" {
			continue
		}
		value, err := jsonValue(raw)
		if err != nil {
			return nil, fmt.Errorf("preload: parse json: key %q: %w", key, err)
		}
		res.add(key + "=" + value)
	}
	return res, nil
}

// jsonValue unquotes strings and compacts everything else.
func jsonValue(raw json.RawMessage) (string, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Result) add(line string) {
	p, ok := protocol.ParseLine(line)
	if !ok || p.ID == "" {
		return
	}
	if p.Modifier != 0 || p.Qualifier {
		r.Ignored++
		return
	}
	r.Entries = append(r.Entries, Entry{Key: p.ID, Value: p.Value})
}

// Apply writes entries into store. With overwrite false existing keys are
// left alone; otherwise every entry is stored and subscribers notified.
// It returns the number of entries written.
func Apply(store Store, entries []Entry, overwrite bool) int {
	n := 0
	for _, e := range entries {
		if overwrite {
			store.UpdateValue(e.Key, e.Value)
			n++
			continue
		}
		if store.CreateValue(e.Key, e.Value) {
			n++
		}
	}
	return n
}
