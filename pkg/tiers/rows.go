package tiers

import (
	"encoding/json"
	"time"
)

// Row decoding helpers shared by the tiers. Adapter rows carry generic
// values: strings, int64/float64 numerics, time.Time, and JSON text for
// document columns.

func rowString(row map[string]any, key string) string {
	v, _ := row[key].(string)
	return v
}

func rowFloat(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func rowInt(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func rowTime(row map[string]any, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func rowTimePtr(row map[string]any, key string) *time.Time {
	ts := rowTime(row, key)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func rowStrings(row map[string]any, key string) []string {
	switch v := row[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// marshalMetadata renders a metadata map as JSON text for storage, or nil
// when the map is empty so the column stays NULL.
func marshalMetadata(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

// unmarshalMetadata restores a metadata map from its stored JSON text.
func unmarshalMetadata(raw any) map[string]any {
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func toAnySlice(ss []string) []any {
	if len(ss) == 0 {
		return nil
	}
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
