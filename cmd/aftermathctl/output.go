package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
)

// render re-encodes a JSON response body in the requested format.
func render(w io.Writer, format string, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	switch format {
	case formatJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			return fmt.Errorf("format response: %w", err)
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	case formatYAML:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}

// decodeDocument reads a YAML or JSON document into a generic value that
// encodes back to JSON. JSON is a subset of YAML so one decoder serves both.
func decodeDocument(r io.Reader) (any, error) {
	var v any
	if err := yaml.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return normalize(v), nil
}

// normalize turns yaml's map[any]any nodes into map[string]any so the
// value can be passed to encoding/json.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
