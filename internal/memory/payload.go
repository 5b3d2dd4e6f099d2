// Package memory holds the primitives shared by the episodic, semantic and
// procedural stores: opaque payloads, scoring helpers and indexed writes.
package memory

import (
	"encoding/json"
	"fmt"
)

// Payload is an opaque JSON document owned by the caller. The memory stores
// persist and return it unchanged and only read it as text for embedding.
type Payload []byte

// NewPayload encodes v as a Payload.
func NewPayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return Payload(b), nil
}

// Text wraps a plain string as a JSON string payload.
func Text(s string) Payload {
	b, _ := json.Marshal(s)
	return Payload(b)
}

// MarshalJSON emits the payload verbatim, or null when empty.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return []byte(p), nil
}

// UnmarshalJSON stores the raw document.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

// IsZero reports whether the payload is empty or JSON null.
func (p Payload) IsZero() bool {
	return len(p) == 0 || string(p) == "null"
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if p.IsZero() {
		return nil
	}
	return json.Unmarshal(p, v)
}

// String returns the serialized form. A JSON string payload is returned
// unquoted so embeddings see the words rather than the quoting.
func (p Payload) String() string {
	if p.IsZero() {
		return ""
	}
	var s string
	if len(p) > 0 && p[0] == '"' && json.Unmarshal(p, &s) == nil {
		return s
	}
	return string(p)
}

// Stored returns the form written to the relational store.
func (p Payload) Stored() string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}

// Field returns a top-level string field of an object payload, or "".
func (p Payload) Field(name string) string {
	var m map[string]json.RawMessage
	if p.Decode(&m) != nil {
		return ""
	}
	var s string
	if json.Unmarshal(m[name], &s) != nil {
		return ""
	}
	return s
}
