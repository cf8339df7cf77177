package pipeline

import (
	"fmt"
	"math"
	"strconv"
)

// Data is the open, type-specific configuration mapping of a node.
type Data map[string]any

// String returns the value at key as a string, or "" when absent.
func (d Data) String(key string) string {
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Strings returns the value at key as a list of strings. A bare string is
// treated as a single-element list; empty strings are skipped.
func (d Data) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Int returns the value at key as an int. Numbers decoded from JSON arrive
// as float64 and are accepted when integral.
func (d Data) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Maps returns the value at key as a list of mappings, e.g. filter conditions.
func (d Data) Maps(key string) []Data {
	switch v := d[key].(type) {
	case []Data:
		return v
	case []map[string]any:
		out := make([]Data, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	case []any:
		out := make([]Data, 0, len(v))
		for _, e := range v {
			switch m := e.(type) {
			case map[string]any:
				out = append(out, m)
			case Data:
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// Has reports whether key carries a non-empty value.
func (d Data) Has(key string) bool {
	switch v := d[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	}
	return true
}

// Merge shallow-merges partial into d.
func (d Data) Merge(partial Data) {
	for k, v := range partial {
		d[k] = v
	}
}

// Clone returns a deep copy of d.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Data(t).Clone())
	case Data:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = Data(m).Clone()
		}
		return out
	default:
		return v
	}
}
