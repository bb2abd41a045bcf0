// Package payload gives read access to opaque request and response payloads.
// Payloads may be generic maps, raw JSON or typed SDK structs; all of them are
// viewed through their JSON object form.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Object returns v as a JSON object.
// It returns false when v is nil or does not encode to an object.
func Object(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return t, true
	case json.RawMessage:
		return decodeObject(t)
	case []byte:
		return decodeObject(t)
	case string:
		return decodeObject([]byte(t))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return decodeObject(data)
}

func decodeObject(data []byte) (map[string]any, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

// Decode converts v into dst through its JSON form.
// Raw JSON inputs are unmarshaled directly.
func Decode(v any, dst any) error {
	var data []byte
	switch t := v.(type) {
	case nil:
		return fmt.Errorf("decoding payload: nil value")
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// String returns m[key] when it is a non-empty string.
func String(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Int returns m[key] as an int when it holds a number.
func Int(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	return Number(m[key])
}

// Number converts the numeric representations produced by encoding/json and
// by typed callers into an int.
func Number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// Map returns m[key] when it is a JSON object.
func Map(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	sub, ok := m[key].(map[string]any)
	return sub, ok
}

// Slice returns m[key] when it is a JSON array.
func Slice(m map[string]any, key string) ([]any, bool) {
	if m == nil {
		return nil, false
	}
	s, ok := m[key].([]any)
	return s, ok
}

// Snapshot returns a detached copy of v in its decoded JSON form, so later
// changes to v do not show through. Values that do not encode are kept as
// their printed form.
func Snapshot(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return out
}
