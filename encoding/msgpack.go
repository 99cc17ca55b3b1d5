// Package encoding provides the msgpack codec used for persisted leaves,
// feed payloads and query fingerprints. All msgpack calls go through here so
// map keys are always sorted and output is deterministic.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/maxpert/livebind/value"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v to msgpack with sorted map keys.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. Maps decode as map[string]interface{} and
// binary stays []byte so attachment payloads keep their shape.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

// EncodeValue encodes a tagged value in its wire form.
func EncodeValue(v value.Value) ([]byte, error) {
	return Marshal(value.ToAny(v))
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(data []byte) (value.Value, error) {
	var raw interface{}
	if err := Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return value.FromAny(raw), nil
}
