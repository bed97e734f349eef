package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Backend persists raw config values by dotted key. Typed parsing happens in
// the key table, so a backend only ever sees strings.
type Backend interface {
	Lookup(key string) (val string, ok bool, err error)
	Store(key, val string) error
	Remove(key string) error
}

// jsonFile keeps config as one flat JSON object. Numbers and strings are both
// accepted on read; writes always produce strings.
type jsonFile struct {
	path   string
	values map[string]json.RawMessage
}

func openJSONFile(path string) *jsonFile {
	f := &jsonFile{path: path, values: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := json.Unmarshal(data, &f.values); err != nil {
			slog.Warn("config file is not a JSON object, using defaults", "path", path, "error", err)
			f.values = make(map[string]json.RawMessage)
		}
	}
	return f
}

func (f *jsonFile) Lookup(key string) (string, bool, error) {
	raw, ok := f.values[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), true, nil
	}
	return "", true, fmt.Errorf("%s: expected a string or number, got %s", key, raw)
}

func (f *jsonFile) Store(key, val string) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	f.values[key] = raw
	return f.flush()
}

func (f *jsonFile) Remove(key string) error {
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}

// flush rewrites the file through a temp file so a running server never reads
// a half-written config.
func (f *jsonFile) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, k := range keys {
		name, _ := json.Marshal(k)
		fmt.Fprintf(&buf, "  %s: %s", name, f.values[k])
		if i < len(keys)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
