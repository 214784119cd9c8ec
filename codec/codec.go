// Package codec serializes event payloads to and from bytes. The default
// codec is a human-readable JSON encoding of the structured value. It is
// schema-unaware; the eventtype layer wraps it with schema assertion.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec converts a structured value to bytes and back
type Codec interface {
	Serialize(value interface{}) ([]byte, error)
	Deserialize(data []byte) (interface{}, error)
}

// JSON is the default codec
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Serialize(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}
	return data, nil
}

func (jsonCodec) Deserialize(data []byte) (interface{}, error) {
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to deserialize value: %w", err)
	}
	return value, nil
}
