package sink

import (
	"sync"

	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/feed"
)

// Mocks holds every MockSink created through the "mock" sink type, by name.
var Mocks sync.Map

func init() {
	feed.RegisterSink("mock", func(config cfg.SinkConfiguration) (feed.Sink, error) {
		m := &MockSink{}
		Mocks.Store(config.Name, m)
		return m, nil
	})
}

// MockSink records published messages in memory
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	closed     bool
	mu         sync.Mutex
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
