package sioengine

import (
	"encoding/json"
	"sort"
)

// Binary payload handling. Binary leaves ([]byte values) nested anywhere
// inside a packet's data are replaced at encode time with placeholder
// markers and shipped as separate raw frames. Discovery order is a
// pre-order walk: sequences in index order, maps in sorted key order so
// the numbering is deterministic.

func isBinary(v any) bool {
	_, ok := v.([]byte)
	return ok
}

func hasBinary(v any) bool {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if hasBinary(item) {
				return true
			}
		}
		return false
	case map[string]any:
		for _, item := range t {
			if hasBinary(item) {
				return true
			}
		}
		return false
	default:
		return isBinary(v)
	}
}

// deconstructBinary replaces every binary leaf in data with a
// placeholder marker and returns the rewritten data together with the
// extracted attachments in discovery order.
func deconstructBinary(data any) (any, [][]byte) {
	var attachments [][]byte
	out := deconstruct(data, &attachments)
	return out, attachments
}

func deconstruct(data any, attachments *[][]byte) any {
	switch t := data.(type) {
	case []byte:
		*attachments = append(*attachments, t)
		return map[string]any{"_placeholder": true, "num": len(*attachments) - 1}
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deconstruct(item, attachments)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = deconstruct(t[k], attachments)
		}
		return out
	default:
		return data
	}
}

// reconstructBinary substitutes every placeholder marker in data with
// the attachment it references. Markers with a missing or out-of-range
// index are left untouched.
func reconstructBinary(data any, attachments [][]byte) any {
	switch t := data.(type) {
	case []any:
		for i, item := range t {
			t[i] = reconstructBinary(item, attachments)
		}
		return t
	case map[string]any:
		if flag, ok := t["_placeholder"].(bool); ok && flag && len(t) == 2 {
			if num, ok := placeholderIndex(t["num"]); ok && num >= 0 && num < len(attachments) {
				return attachments[num]
			}
			return t
		}
		for k, item := range t {
			t[k] = reconstructBinary(item, attachments)
		}
		return t
	default:
		return data
	}
}

func placeholderIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
