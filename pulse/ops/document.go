package ops

import (
	"encoding/json"

	"github.com/teranos/optrack/errors"
)

// Document is a schema-less JSON tree. Values are the types encoding/json
// produces: nil, bool, float64, string, []any and map[string]any.
type Document map[string]any

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
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

// Merge applies patch on top of d following JSON merge-patch rules:
// nested objects merge recursively, a nil value deletes the key, anything else replaces.
// Neither input is modified.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		src, srcIsMap := asMap(v)
		dst, dstIsMap := asMap(out[k])
		if srcIsMap && dstIsMap {
			out[k] = map[string]any(Document(dst).Merge(Document(src)))
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

// Canonical returns a deterministic encoding. encoding/json sorts map keys,
// so equal documents encode to equal bytes.
func (d Document) Canonical() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode document")
	}
	return data, nil
}

// Normalize re-decodes the document so every value has the type ParseDocument
// produces. Numbers decoded with UseNumber become float64.
func (d Document) Normalize() (Document, error) {
	if d == nil {
		return nil, nil
	}
	data, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

// String returns the value at key if it is a string.
func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Bool returns the value at key if it is a bool.
func (d Document) Bool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// ParseDocument decodes a JSON object. Empty input yields nil.
func ParseDocument(data []byte) (Document, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}
	return d, nil
}
