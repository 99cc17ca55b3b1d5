package feed

// Event is one committed write as it travels through the feed.
type Event struct {
	Seq      uint64 `msgpack:"seq"`   // Monotonic sequence, assigned by the log
	Path     string `msgpack:"path"`  // Written path
	Op       string `msgpack:"op"`    // set, update, delete, push
	Value    []byte `msgpack:"value"` // msgpack-encoded value; nil for deletes
	CommitTS int64  `msgpack:"ts"`    // Commit time (unix ms)
	NodeID   uint64 `msgpack:"node"`  // Originating node
}

// Sink is a destination for feed events (NATS, Kafka, ...).
type Sink interface {
	// Publish sends one payload; a nil value is a tombstone.
	Publish(topic string, key string, value []byte) error
	Close() error
}

// Transformer renders events in a sink-specific format.
type Transformer interface {
	Transform(event Event) ([]byte, error)
	// Tombstone creates the delete marker that follows a delete event.
	Tombstone(key string) []byte
}

// Filter decides whether an event is published to a sink.
type Filter interface {
	Match(path string) bool
}
