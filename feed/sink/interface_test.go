package sink

import "github.com/maxpert/livebind/feed"

// Compile-time interface verification
var (
	_ feed.Sink = (*KafkaSink)(nil)
	_ feed.Sink = (*NatsSink)(nil)
	_ feed.Sink = (*MockSink)(nil)
	_ feed.Sink = (*LogSink)(nil)
)
