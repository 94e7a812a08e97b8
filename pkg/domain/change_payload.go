package domain

import "encoding/json"

// ChangePayload wraps a JSON snapshot of a change's before/after state.
// Callers unmarshal the raw bytes into typed records with Decode.
type ChangePayload struct {
	defined bool
	raw     json.RawMessage
}

// NewChangePayload builds a payload wrapper from raw JSON. The bytes are cloned
// so callers cannot mutate recorded state.
func NewChangePayload(raw json.RawMessage) ChangePayload {
	payload := ChangePayload{defined: true}
	if raw != nil {
		payload.raw = cloneRawMessage(raw)
	}
	return payload
}

// NewChangePayloadFromValue marshals a typed record into a ChangePayload.
func NewChangePayloadFromValue[T any](value T) (ChangePayload, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return ChangePayload{}, err
	}
	return ChangePayload{defined: true, raw: raw}, nil
}

// Defined reports whether the payload has been initialized. Creates carry an
// undefined Before, nothing carries an undefined After.
func (p ChangePayload) Defined() bool {
	return p.defined
}

// Size is the encoded length in bytes.
func (p ChangePayload) Size() int {
	return len(p.raw)
}

// Raw returns a cloned copy of the underlying JSON bytes.
func (p ChangePayload) Raw() json.RawMessage {
	if !p.defined || len(p.raw) == 0 {
		return nil
	}
	return cloneRawMessage(p.raw)
}

// DecodePayload unmarshals a payload into T. The second result is false when
// the payload is undefined.
func DecodePayload[T any](p ChangePayload) (T, bool, error) {
	var out T
	if !p.defined || len(p.raw) == 0 {
		return out, false, nil
	}
	if err := json.Unmarshal(p.raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
