package answers

import (
	"encoding/json"
	"sort"
)

// Map holds the answers of one inspection keyed by question id.
//
// Canonical values are string, bool, int64, float64, nil, map[string]any and
// []any of canonical values, FileRef and []FileRef.
type Map map[string]any

// FileRef points at a captured file. LocalID is assigned when the file is
// staged on this device; RemoteKey is set once the upload completed.
type FileRef struct {
	LocalID     string `json:"localId"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	RemoteKey   string `json:"remoteKey,omitempty"`
}

// Uploaded reports whether the file already has a remote key.
func (f FileRef) Uploaded() bool {
	return f.RemoteKey != ""
}

const fileMarker = "file"

// MarshalJSON tags the reference so plain JSON consumers can tell it apart
// from a structured answer.
func (f FileRef) MarshalJSON() ([]byte, error) {
	type plain FileRef
	return json.Marshal(struct {
		Ref string `json:"$ref"`
		plain
	}{Ref: fileMarker, plain: plain(f)})
}

// Stored is the storage form of a Map.
type Stored struct {
	Payload []byte
	// Anomalies lists question ids whose values were degraded to strings.
	Anomalies []string
}

// FileRefs returns every file reference in m, ordered by question id and
// then by position.
func FileRefs(m Map) []FileRef {
	var out []FileRef
	for _, id := range sortedKeys(m) {
		out = collectRefs(m[id], out)
	}
	return out
}

func collectRefs(v any, out []FileRef) []FileRef {
	switch val := v.(type) {
	case FileRef:
		return append(out, val)
	case *FileRef:
		if val != nil {
			return append(out, *val)
		}
	case []FileRef:
		return append(out, val...)
	case Map:
		return collectRefs(map[string]any(val), out)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collectRefs(val[k], out)
		}
	case []any:
		for _, item := range val {
			out = collectRefs(item, out)
		}
	}
	return out
}

// WithRemoteKeys returns a copy of m where every file reference whose local
// id appears in keys carries the matching remote key.
func WithRemoteKeys(m Map, keys map[string]string) Map {
	out := make(Map, len(m))
	for id, v := range m {
		out[id] = rewriteRefs(v, func(ref FileRef) FileRef {
			if key, ok := keys[ref.LocalID]; ok && key != "" {
				ref.RemoteKey = key
			}
			return ref
		})
	}
	return out
}

// Retain returns a copy of m holding only the listed question ids.
func Retain(m Map, ids []string) Map {
	out := make(Map, len(ids))
	for _, id := range ids {
		if v, ok := m[id]; ok {
			out[id] = cloneValue(v)
		}
	}
	return out
}

// Clone deep-copies m.
func Clone(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for id, v := range m {
		out[id] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	return rewriteRefs(v, func(ref FileRef) FileRef { return ref })
}

func rewriteRefs(v any, fn func(FileRef) FileRef) any {
	switch val := v.(type) {
	case FileRef:
		return fn(val)
	case *FileRef:
		if val == nil {
			return val
		}
		ref := fn(*val)
		return &ref
	case []FileRef:
		out := make([]FileRef, len(val))
		for i, ref := range val {
			out[i] = fn(ref)
		}
		return out
	case Map:
		return rewriteRefs(map[string]any(val), fn)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = rewriteRefs(item, fn)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = rewriteRefs(item, fn)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
