package sink

import (
	"testing"
	"time"

	"github.com/maxpert/livebind/binding"
	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/encoding"
	"github.com/maxpert/livebind/feed"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zerologNop() zerolog.Logger {
	return zerolog.Nop()
}

func createFromRegistry(t *testing.T, config cfg.SinkConfiguration) (feed.Sink, error) {
	t.Helper()
	return feed.NewSink(config)
}

func mockNamed(t *testing.T, name string) *MockSink {
	t.Helper()
	v, ok := Mocks.Load(name)
	require.True(t, ok, "mock sink %s was not created", name)
	return v.(*MockSink)
}

func startPublisher(t *testing.T, sinks ...cfg.SinkConfiguration) *feed.Publisher {
	t.Helper()
	pub, err := feed.NewPublisher(feed.Config{
		DataDir: t.TempDir(),
		NodeID:  42,
		Sinks:   sinks,
	})
	require.NoError(t, err)
	require.NoError(t, pub.Start())
	t.Cleanup(pub.Stop)
	return pub
}

func TestPublisher_HookReachesSink(t *testing.T) {
	pub := startPublisher(t, cfg.SinkConfiguration{
		Name:           "hook-e2e",
		Type:           "mock",
		Format:         "msgpack",
		PollIntervalMS: 5,
	})
	m := mockNamed(t, "hook-e2e")

	at := time.UnixMilli(1_700_000_000_000)
	pub.Hook(binding.Commit{
		Path:  "rooms/lobby",
		Op:    binding.OpSet,
		Value: value.Node{"title": value.String("Lobby")},
		At:    at,
	})
	pub.Hook(binding.Commit{Path: "rooms/lobby", Op: binding.OpDelete, At: at})

	// the delete publishes its event and a tombstone
	require.Eventually(t, func() bool { return len(m.Published()) == 3 }, 2*time.Second, 5*time.Millisecond)
	msgs := m.Published()

	assert.Equal(t, "livebind.rooms", msgs[0].Topic)
	assert.Equal(t, "rooms/lobby", msgs[0].Key)

	var ev feed.Event
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "set", ev.Op)
	assert.Equal(t, at.UnixMilli(), ev.CommitTS)
	assert.Equal(t, uint64(42), ev.NodeID)

	stored, err := encoding.DecodeValue(ev.Value)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Node{"title": value.String("Lobby")}, stored))

	require.NoError(t, encoding.Unmarshal(msgs[1].Value, &ev))
	assert.Equal(t, "delete", ev.Op)
	assert.Nil(t, ev.Value)
	assert.Nil(t, msgs[2].Value)
}

func TestPublisher_FilterPaths(t *testing.T) {
	pub := startPublisher(t, cfg.SinkConfiguration{
		Name:           "filter-e2e",
		Type:           "mock",
		FilterPaths:    []string{"orders/**"},
		PollIntervalMS: 5,
	})
	m := mockNamed(t, "filter-e2e")

	pub.Hook(binding.Commit{Path: "rooms/a", Op: binding.OpSet, Value: value.Int(1), At: time.Now()})
	pub.Hook(binding.Commit{Path: "orders/1/total", Op: binding.OpSet, Value: value.Int(9), At: time.Now()})

	require.Eventually(t, func() bool { return len(m.Published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "orders/1/total", m.Published()[0].Key)
	assert.Equal(t, "livebind.orders", m.Published()[0].Topic)
}

func TestPublisher_StopClosesSinks(t *testing.T) {
	pub, err := feed.NewPublisher(feed.Config{
		DataDir: t.TempDir(),
		Sinks:   []cfg.SinkConfiguration{{Name: "close-e2e", Type: "mock"}},
	})
	require.NoError(t, err)
	require.NoError(t, pub.Start())
	assert.Error(t, pub.Start())

	pub.Stop()
	pub.Stop()
	assert.True(t, mockNamed(t, "close-e2e").Closed())

	// hooks after stop are ignored
	pub.Hook(binding.Commit{Path: "a", Op: binding.OpSet, Value: value.Int(1), At: time.Now()})
}

func TestPublisher_UnknownSinkType(t *testing.T) {
	_, err := feed.NewPublisher(feed.Config{
		DataDir: t.TempDir(),
		Sinks:   []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon"}},
	})
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestPublisher_UnknownFormat(t *testing.T) {
	_, err := feed.NewPublisher(feed.Config{
		DataDir: t.TempDir(),
		Sinks:   []cfg.SinkConfiguration{{Name: "fmt-e2e", Type: "mock", Format: "xml"}},
	})
	assert.ErrorContains(t, err, "unknown format")
}
