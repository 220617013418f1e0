package work

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodePayload serializes a task payload
func EncodePayload(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	return b, nil
}

// DecodePayload deserializes a task payload into v
func DecodePayload(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode task payload: %w", err)
	}
	return nil
}
