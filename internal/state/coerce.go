// File: internal/state/coerce.go
package state

import (
	encodingjson "encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CoerceValue restores structure lost on the wire. A string that holds a JSON
// object or array is decoded; a Python style dict literal with single quotes is
// tried next; anything else is returned unchanged. Containers are coerced
// recursively.
func CoerceValue(v any) any {
	switch t := v.(type) {
	case string:
		return coerceString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = CoerceValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = CoerceValue(inner)
		}
		return out
	default:
		return v
	}
}

func coerceString(s string) any {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return s
	}
	first, last := trimmed[0], trimmed[len(trimmed)-1]
	if !(first == '{' && last == '}') && !(first == '[' && last == ']') {
		return s
	}

	var parsed any
	if err := json.UnmarshalFromString(trimmed, &parsed); err == nil {
		return CoerceValue(parsed)
	}
	if strings.Contains(trimmed, "'") {
		swapped := strings.ReplaceAll(trimmed, "'", `"`)
		if err := json.UnmarshalFromString(swapped, &parsed); err == nil {
			return CoerceValue(parsed)
		}
	}
	return s
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case encodingjson.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), true
		}
		if f, err := t.Float64(); err == nil {
			return floatToInt(f)
		}
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
	}
	return 0, false
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

func toStringSlice(v any) ([]string, bool) {
	switch t := CoerceValue(v).(type) {
	case []string:
		return append([]string(nil), t...), true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := toString(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toMap(v any) (map[string]any, bool) {
	m, ok := CoerceValue(v).(map[string]any)
	return m, ok
}

// ParseTimestamp accepts RFC 3339 strings, naive ISO 8601 strings (read as
// UTC) and unix seconds as numbers or numeric strings.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return unixFloat(f), true
		}
	case float64:
		return unixFloat(t), true
	case int64:
		return time.Unix(t, 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	case encodingjson.Number:
		if f, err := t.Float64(); err == nil {
			return unixFloat(f), true
		}
	}
	return time.Time{}, false
}

func unixFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// cloneValue deep copies the JSON shaped containers so snapshots never share
// mutable state with callers.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
