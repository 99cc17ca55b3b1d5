package sink

import (
	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/feed"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	feed.RegisterSink("log", func(config cfg.SinkConfiguration) (feed.Sink, error) {
		return NewLogSink(log.With().Str("sink", config.Name).Logger()), nil
	})
}

// LogSink writes every event to a zerolog logger. Useful without a broker.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(topic, key string, value []byte) error {
	ev := l.logger.Info().Str("topic", topic).Str("key", key)
	if value == nil {
		ev.Bool("tombstone", true).Msg("Feed event")
		return nil
	}
	ev.RawJSON("payload", jsonOrNil(value)).Msg("Feed event")
	return nil
}

func (l *LogSink) Close() error {
	return nil
}

// jsonOrNil keeps non-JSON payloads (msgpack) out of the log line
func jsonOrNil(b []byte) []byte {
	if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
		return b
	}
	return []byte("null")
}
