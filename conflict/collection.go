// ABOUTME: Union merge for append-only collection fields such as interaction history
// ABOUTME: De-duplicates by item id and orders by timestamp so merges are symmetric
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type collectionItem struct {
	id    string
	ts    time.Time
	canon string
	value any
}

// MergeCollection unions two collections, keeps one item per id and sorts the
// result by timestamp ascending, then id. When both sides hold the same id the
// later-timestamped item wins, then the lexically greater canonical encoding,
// so MergeCollection(a, b) equals MergeCollection(b, a).
func MergeCollection(a, b []any, col Collection) []any {
	byID := make(map[string]collectionItem, len(a)+len(b))
	for _, src := range [][]any{a, b} {
		for _, raw := range src {
			it := toItem(raw, col)
			prev, seen := byID[it.id]
			if !seen || preferItem(it, prev) {
				byID[it.id] = it
			}
		}
	}

	items := make([]collectionItem, 0, len(byID))
	for _, it := range byID {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ts.Equal(items[j].ts) {
			return items[i].ts.Before(items[j].ts)
		}
		return items[i].id < items[j].id
	})

	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.value
	}
	return out
}

// MergeCollectionValues merges two untyped payload values. It returns false
// when either side is not an array.
func MergeCollectionValues(local, server any, col Collection) ([]any, bool) {
	a, ok := toSlice(local)
	if !ok {
		return nil, false
	}
	b, ok := toSlice(server)
	if !ok {
		return nil, false
	}
	return MergeCollection(a, b, col), true
}

func preferItem(candidate, current collectionItem) bool {
	if !candidate.ts.Equal(current.ts) {
		return candidate.ts.After(current.ts)
	}
	return candidate.canon > current.canon
}

func toItem(raw any, col Collection) collectionItem {
	it := collectionItem{value: raw, canon: canonical(raw)}
	obj, ok := raw.(map[string]any)
	if !ok {
		it.id = it.canon
		return it
	}
	if id, ok := obj[col.IDKey]; ok && id != nil {
		it.id = fmt.Sprint(id)
	} else {
		it.id = it.canon
	}
	it.ts = parseTime(obj[col.TimeKey])
	return it
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	}
	return time.Time{}
}

// toSlice normalizes a payload value to []any of JSON-decoded items. A nil
// value is an empty collection.
func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	if s, ok := v.([]any); ok {
		return normalizeItems(s), true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

func normalizeItems(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		if _, ok := v.(map[string]any); ok {
			out[i] = v
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			out[i] = v
			continue
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			out[i] = v
			continue
		}
		out[i] = decoded
	}
	return out
}

// canonical encodes v as JSON with sorted object keys.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// equalValues compares two payload values by their JSON encoding so that
// numerically equal ints and floats, and decoded vs typed values, match.
func equalValues(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
