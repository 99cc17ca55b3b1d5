package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Field names of the wire form of attachment values.
const (
	FieldStorageID = "storageId"
	FieldFolder    = "folder"
	FieldFile      = "file"
	FieldName      = "name"
	FieldType      = "type"
)

// FromAny converts decoded JSON/msgpack data or native Go values into a Value.
// Maps carrying a string storageId become Ref; maps carrying raw bytes under
// "file" and no storageId become Upload.
func FromAny(in any) Value {
	switch t := in.(type) {
	case nil:
		return Null{}
	case Value:
		return t
	case bool:
		return Bool(t)
	case int:
		return Int(t)
	case int8:
		return Int(t)
	case int16:
		return Int(t)
	case int32:
		return Int(t)
	case int64:
		return Int(t)
	case uint:
		return Int(t)
	case uint8:
		return Int(t)
	case uint16:
		return Int(t)
	case uint32:
		return Int(t)
	case uint64:
		if t > math.MaxInt64 {
			return Float(t)
		}
		return Int(t)
	case float32:
		return Float(t)
	case float64:
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case string:
		return String(t)
	case []byte:
		return Upload{Data: t}
	case []any:
		out := make(List, len(t))
		for i, c := range t {
			out[i] = FromAny(c)
		}
		return out
	case map[string]any:
		return fromMap(t)
	case map[string]Value:
		return Node(t)
	default:
		return String(fmt.Sprint(t))
	}
}

func fromMap(m map[string]any) Value {
	if id, ok := m[FieldStorageID].(string); ok && id != "" {
		folder, _ := m[FieldFolder].(string)
		return Ref{StorageID: id, Folder: folder}
	}
	if data, ok := m[FieldFile].([]byte); ok {
		name, _ := m[FieldName].(string)
		typ, _ := m[FieldType].(string)
		return Upload{Data: data, Name: name, Type: typ}
	}
	out := make(Node, len(m))
	for k, c := range m {
		out[k] = FromAny(c)
	}
	return out
}

// ToAny converts v into plain Go data suitable for JSON or msgpack encoding.
func ToAny(v Value) any {
	switch t := v.(type) {
	case nil, Null, unloaded:
		return nil
	case Bool:
		return bool(t)
	case Int:
		return int64(t)
	case Float:
		return float64(t)
	case String:
		return string(t)
	case Ref:
		return map[string]any{FieldStorageID: t.StorageID, FieldFolder: t.Folder}
	case Upload:
		m := map[string]any{FieldFile: t.Data}
		if t.Name != "" {
			m[FieldName] = t.Name
		}
		if t.Type != "" {
			m[FieldType] = t.Type
		}
		return m
	case Node:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = ToAny(c)
		}
		return out
	case List:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = ToAny(c)
		}
		return out
	}
	return nil
}

// ParseJSON decodes a JSON document, keeping integers as Int.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse value: %w", err)
	}
	return FromAny(raw), nil
}

// MarshalJSON renders v as JSON. Upload bytes are base64 encoded.
func MarshalJSON(v Value) ([]byte, error) {
	return json.Marshal(ToAny(v))
}

// Format renders v for logs and the CLI.
func Format(v Value) string {
	if !IsLoaded(v) {
		return "<unloaded>"
	}
	b, err := MarshalJSON(v)
	if err != nil {
		return strconv.Quote(err.Error())
	}
	return string(b)
}
