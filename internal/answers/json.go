package answers

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FromJSON decodes answers sent by the capture UI as plain JSON. Whole
// numbers become int64, other numbers float64, and objects tagged
// {"$ref":"file"} become FileRef values.
func FromJSON(data []byte) (Map, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return Map{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rawMap map[string]any
	if err := dec.Decode(&rawMap); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	out := make(Map, len(rawMap))
	for id, v := range rawMap {
		out[id] = fromPlain(v)
	}
	return out, nil
}

func fromPlain(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		if ref, ok := asFileRef(val); ok {
			return ref
		}
		obj := make(map[string]any, len(val))
		for k, item := range val {
			obj[k] = fromPlain(item)
		}
		return obj
	case []any:
		if refs, ok := asFileRefs(val); ok {
			return refs
		}
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = fromPlain(item)
		}
		return list
	default:
		return v
	}
}

func asFileRef(obj map[string]any) (FileRef, bool) {
	if marker, _ := obj["$ref"].(string); marker != fileMarker {
		return FileRef{}, false
	}
	ref := FileRef{}
	ref.LocalID, _ = obj["localId"].(string)
	ref.Name, _ = obj["name"].(string)
	ref.ContentType, _ = obj["contentType"].(string)
	ref.RemoteKey, _ = obj["remoteKey"].(string)
	if n, ok := obj["size"].(json.Number); ok {
		ref.Size, _ = n.Int64()
	}
	return ref, ref.LocalID != ""
}

func asFileRefs(list []any) ([]FileRef, bool) {
	if len(list) == 0 {
		return nil, false
	}
	refs := make([]FileRef, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		ref, ok := asFileRef(obj)
		if !ok {
			return nil, false
		}
		refs = append(refs, ref)
	}
	return refs, true
}
