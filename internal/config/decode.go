package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses a config document. Files ending in .yaml or .yml are read as
// YAML, anything else as JSON. Both go through the same strict JSON decoder,
// so unknown keys and trailing documents are errors in either format.
func Decode(name string, b []byte) (*Config, error) {
	format := "json"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		format = "yaml"
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, fmt.Errorf("%s config: trailing data", format)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	return &cfg, nil
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	if doc == nil {
		// empty file
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	return out, nil
}

// stringKeys rewrites non-string map keys (yes, 1, true) so the tree
// survives json.Marshal.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	}
	return v
}

// Duration parses a non-negative duration field. Blank or zero yields def.
// path names the field in error messages.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}
