package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Document is one schema-less JSON value stored in a collection.
//
// The bytes are always valid, compacted JSON. The zero value represents a
// missing document and marshals as null.
type Document json.RawMessage

// ParseDocument validates data as JSON and returns its compacted form.
func ParseDocument(data []byte) (Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: document is empty", ErrInvalid)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: document is not valid JSON: %v", ErrInvalid, err)
	}
	return Document(buf.Bytes()), nil
}

// NewDocument marshals v into a Document.
func NewDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return Document(data), nil
}

// MustDocument is NewDocument for literals known to marshal.
func MustDocument(v any) Document {
	doc, err := NewDocument(v)
	if err != nil {
		panic(err)
	}
	return doc
}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	if d == nil {
		return fmt.Errorf("schema.Document: UnmarshalJSON on nil pointer")
	}
	*d = append((*d)[0:0], data...)
	return nil
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	if d.IsNull() {
		return fmt.Errorf("%w: document is empty", ErrInvalid)
	}
	return json.Unmarshal(d, v)
}

// Value decodes the document into generic Go values (map, slice, scalar).
func (d Document) Value() (any, error) {
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// IsNull reports whether the document is missing or JSON null.
func (d Document) IsNull() bool {
	return len(d) == 0 || string(d) == "null"
}

// Clone returns a copy that does not share memory with d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	copy(out, d)
	return out
}

// Equal reports whether both documents hold the same JSON value,
// ignoring object key order and whitespace.
func (d Document) Equal(other Document) bool {
	if d.IsNull() || other.IsNull() {
		return d.IsNull() == other.IsNull()
	}
	a, errA := d.Value()
	b, errB := other.Value()
	if errA != nil || errB != nil {
		return bytes.Equal(d, other)
	}
	return reflect.DeepEqual(a, b)
}

// Merge applies patch as a shallow update: top-level fields of patch
// overwrite those of d. Both must be JSON objects; a null d is treated as {}.
func (d Document) Merge(patch Document) (Document, error) {
	var base map[string]json.RawMessage
	if !d.IsNull() {
		if err := json.Unmarshal(d, &base); err != nil {
			return nil, fmt.Errorf("%w: cannot patch a non-object document", ErrInvalid)
		}
	}
	if base == nil {
		base = make(map[string]json.RawMessage)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: patch must be a JSON object", ErrInvalid)
	}
	for k, v := range fields {
		base[k] = v
	}
	return NewDocument(base)
}

func (d Document) String() string {
	if len(d) == 0 {
		return "null"
	}
	return string(d)
}
