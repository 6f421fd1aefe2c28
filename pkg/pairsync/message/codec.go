package message

import (
	"encoding/json"
	"fmt"
)

// Encode validates m and serializes it as JSON.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a JSON envelope and validates it. Missing payload maps are
// allocated so receivers never see nil maps.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Context != nil {
		m.Context.normalize()
	}
	return &m, nil
}

// Normalize returns v in the form a peer decodes it to: numbers become
// float64, slices []any, and objects map[string]any. Values that cannot
// be encoded are rejected.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}
