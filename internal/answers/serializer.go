package answers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/telemetry"
)

const envelopeVersion = 1

// Value tags used in the storage envelope.
const (
	tagString = "string"
	tagBool   = "bool"
	tagInt    = "int"
	tagNumber = "number"
	tagNull   = "null"
	tagObject = "object"
	tagList   = "list"
	tagFile   = "file"
	tagFiles  = "files"
)

// ErrCorrupt is returned when a payload is not a readable answer envelope.
var ErrCorrupt = errors.New("corrupt answer payload")

type envelope struct {
	Version  int                    `json:"v"`
	Answers  map[string]taggedValue `json:"answers"`
	Degraded []string               `json:"degraded,omitempty"`
}

type taggedValue struct {
	Tag   string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// Serialize encodes m into its storage form. It never fails: values of an
// unsupported type are stored as their string form and reported in
// Stored.Anomalies.
func Serialize(m Map) Stored {
	env := envelope{Version: envelopeVersion, Answers: make(map[string]taggedValue, len(m))}
	for _, id := range sortedKeys(m) {
		tv, degraded := encodeValue(m[id])
		env.Answers[id] = tv
		if len(degraded) > 0 {
			env.Degraded = append(env.Degraded, id)
			metrics.IncSerializationAnomaly()
			telemetry.Warn("answers.serialize.degraded", map[string]any{
				"question_id": id,
				"types":       degraded,
			})
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		// Unreachable with tagged values; the save path must not fail.
		telemetry.Error("answers.serialize.failed", map[string]any{"error": err.Error()})
		payload = []byte(`{"v":1,"answers":{}}`)
	}
	return Stored{Payload: payload, Anomalies: env.Degraded}
}

// encodeValue returns the tagged form of v and the Go types that had to be
// degraded along the way.
func encodeValue(v any) (taggedValue, []string) {
	switch val := v.(type) {
	case nil:
		return taggedValue{Tag: tagNull}, nil
	case string:
		return raw(tagString, val), nil
	case bool:
		return raw(tagBool, val), nil
	case int:
		return raw(tagInt, int64(val)), nil
	case int8:
		return raw(tagInt, int64(val)), nil
	case int16:
		return raw(tagInt, int64(val)), nil
	case int32:
		return raw(tagInt, int64(val)), nil
	case int64:
		return raw(tagInt, val), nil
	case uint8:
		return raw(tagInt, int64(val)), nil
	case uint16:
		return raw(tagInt, int64(val)), nil
	case uint32:
		return raw(tagInt, int64(val)), nil
	case uint:
		if uint64(val) <= math.MaxInt64 {
			return raw(tagInt, int64(val)), nil
		}
	case uint64:
		if val <= math.MaxInt64 {
			return raw(tagInt, int64(val)), nil
		}
	case float32:
		if f := float64(val); !math.IsNaN(f) && !math.IsInf(f, 0) {
			return raw(tagNumber, f), nil
		}
	case float64:
		if !math.IsNaN(val) && !math.IsInf(val, 0) {
			return raw(tagNumber, val), nil
		}
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return raw(tagInt, i), nil
		}
		if f, err := val.Float64(); err == nil {
			return raw(tagNumber, f), nil
		}
	case FileRef:
		return raw(tagFile, val), nil
	case *FileRef:
		if val != nil {
			return raw(tagFile, *val), nil
		}
		return taggedValue{Tag: tagNull}, nil
	case []FileRef:
		if val == nil {
			val = []FileRef{}
		}
		return raw(tagFiles, val), nil
	case Map:
		return encodeValue(map[string]any(val))
	case map[string]any:
		fields := make(map[string]taggedValue, len(val))
		var degraded []string
		for k, item := range val {
			tv, d := encodeValue(item)
			fields[k] = tv
			degraded = append(degraded, d...)
		}
		return raw(tagObject, fields), degraded
	case []any:
		items := make([]taggedValue, 0, len(val))
		var degraded []string
		for _, item := range val {
			tv, d := encodeValue(item)
			items = append(items, tv)
			degraded = append(degraded, d...)
		}
		return raw(tagList, items), degraded
	case []string:
		items := make([]taggedValue, 0, len(val))
		for _, item := range val {
			items = append(items, raw(tagString, item))
		}
		return raw(tagList, items), nil
	}
	return raw(tagString, fmt.Sprint(v)), []string{fmt.Sprintf("%T", v)}
}

func raw(tag string, v any) taggedValue {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
		tag = tagString
	}
	return taggedValue{Tag: tag, Value: b}
}

// Deserialize decodes a payload produced by Serialize. Values with an
// unknown tag degrade to their raw JSON text; an unreadable envelope is an
// error.
func Deserialize(payload []byte) (Map, error) {
	if len(payload) == 0 {
		return Map{}, nil
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}

	out := make(Map, len(env.Answers))
	ids := make([]string, 0, len(env.Answers))
	for id := range env.Answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out[id] = decodeValue(id, env.Answers[id])
	}
	return out, nil
}

func decodeValue(questionID string, tv taggedValue) any {
	var (
		v   any
		err error
	)
	switch tv.Tag {
	case tagNull:
		return nil
	case tagString:
		var s string
		err = json.Unmarshal(tv.Value, &s)
		v = s
	case tagBool:
		var b bool
		err = json.Unmarshal(tv.Value, &b)
		v = b
	case tagInt:
		var i int64
		err = json.Unmarshal(tv.Value, &i)
		v = i
	case tagNumber:
		var f float64
		err = json.Unmarshal(tv.Value, &f)
		v = f
	case tagFile:
		var ref FileRef
		err = json.Unmarshal(tv.Value, &ref)
		v = ref
	case tagFiles:
		refs := []FileRef{}
		err = json.Unmarshal(tv.Value, &refs)
		v = refs
	case tagObject:
		var fields map[string]taggedValue
		if err = json.Unmarshal(tv.Value, &fields); err == nil {
			obj := make(map[string]any, len(fields))
			for k, item := range fields {
				obj[k] = decodeValue(questionID, item)
			}
			v = obj
		}
	case tagList:
		var items []taggedValue
		if err = json.Unmarshal(tv.Value, &items); err == nil {
			list := make([]any, len(items))
			for i, item := range items {
				list[i] = decodeValue(questionID, item)
			}
			v = list
		}
	default:
		err = fmt.Errorf("unknown tag %q", tv.Tag)
	}
	if err != nil {
		telemetry.Warn("answers.deserialize.degraded", map[string]any{
			"question_id": questionID,
			"tag":         tv.Tag,
			"error":       err.Error(),
		})
		metrics.IncSerializationAnomaly()
		return string(tv.Value)
	}
	return v
}
