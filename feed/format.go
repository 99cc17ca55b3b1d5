package feed

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/livebind/encoding"
	"github.com/maxpert/livebind/value"
)

func init() {
	RegisterTransformer("", func() Transformer { return JSONTransformer{} })
	RegisterTransformer("json", func() Transformer { return JSONTransformer{} })
	RegisterTransformer("msgpack", func() Transformer { return MsgpackTransformer{} })
}

// jsonEvent is the JSON rendering of an Event with its value decoded.
type jsonEvent struct {
	Seq      uint64      `json:"seq"`
	Path     string      `json:"path"`
	Op       string      `json:"op"`
	Value    interface{} `json:"value"`
	CommitTS int64       `json:"ts_ms"`
	NodeID   uint64      `json:"node_id"`
}

// JSONTransformer renders events as JSON objects. Delete tombstones are nil
// payloads so compacted Kafka topics drop the key.
type JSONTransformer struct{}

func (JSONTransformer) Transform(event Event) ([]byte, error) {
	out := jsonEvent{
		Seq:      event.Seq,
		Path:     event.Path,
		Op:       event.Op,
		CommitTS: event.CommitTS,
		NodeID:   event.NodeID,
	}
	if len(event.Value) > 0 {
		v, err := encoding.DecodeValue(event.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode value for %s: %w", event.Path, err)
		}
		out.Value = value.ToAny(v)
	}
	return json.Marshal(out)
}

func (JSONTransformer) Tombstone(string) []byte {
	return nil
}

// MsgpackTransformer publishes the stored event encoding unchanged.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event Event) ([]byte, error) {
	return encoding.Marshal(&event)
}

func (MsgpackTransformer) Tombstone(string) []byte {
	return nil
}
