package jobq

import (
	"encoding/json"
	"fmt"

	"github.com/UniQw/jobq/driver"
	"github.com/bytedance/sonic"
)

// Encoder defines the interface for job payload serialization.
// Whatever it produces must be valid JSON; both backends store JSON.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// encodePayload turns a push payload into stored JSON. Pre-encoded JSON
// (json.RawMessage) is passed through after validation.
func encodePayload(enc Encoder, v any) (json.RawMessage, error) {
	var raw []byte
	switch p := v.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := enc.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("jobq: encode payload: %w", err)
		}
		raw = b
	}
	if err := driver.ValidatePayload(raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
