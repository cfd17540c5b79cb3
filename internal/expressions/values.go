package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --- Deep copy utilities ---

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices. Scalars are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	default:
		return v
	}
}

// Normalize returns a deep copy of v restricted to JSON value types: nil,
// bool, float64, string, []any and map[string]any. Values decoded from YAML
// or built in Go (typed maps, slices, integers, json.Number, time.Time) are
// converted, so every number comes back as float64.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		// Anything else is round-tripped through JSON.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Sprint(val)
		}
		return out
	}
}

// timeLayouts are tried in order when parsing timestamp strings.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTime converts a native time, an epoch number or an ISO-8601 string to
// a UTC time. Epoch values above 1e12 are milliseconds, others are seconds.
// Strings without a zone are taken as UTC.
func ParseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case int:
		return fromEpoch(float64(val)), nil
	case int64:
		return fromEpoch(float64(val)), nil
	case float64:
		return fromEpoch(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch %q: %w", val, err)
		}
		return fromEpoch(f), nil
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", val)
	default:
		return time.Time{}, fmt.Errorf("cannot interpret %T as a timestamp", v)
	}
}

func fromEpoch(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
