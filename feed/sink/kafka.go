package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/feed"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaWriteTimeout = 10 * time.Second
)

func init() {
	feed.RegisterSink("kafka", func(config cfg.SinkConfiguration) (feed.Sink, error) {
		kc := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kc.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kc)
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	Compression      kafka.Compression
	WriteTimeout     time.Duration
	AutoCreateTopics bool
}

// DefaultKafkaConfig waits for every in-sync replica and compresses with zstd
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		Compression:      kafka.Zstd,
		WriteTimeout:     DefaultKafkaWriteTimeout,
		AutoCreateTopics: true,
	}
}

// KafkaSink writes feed events keyed by path, so every change to one path
// lands on the same partition in commit order.
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaSink builds a synchronous writer. Brokers are dialed lazily on the
// first Publish.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(config.Brokers))
	for _, b := range config.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              config.BatchSize,
			BatchBytes:             config.BatchBytes,
			RequiredAcks:           config.RequiredAcks,
			Compression:            config.Compression,
			WriteTimeout:           config.WriteTimeout,
			AllowAutoTopicCreation: config.AutoCreateTopics,
		},
		timeout: config.WriteTimeout,
	}, nil
}

// Publish writes one message and waits for the acks. A nil value is a
// tombstone for compacted topics.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
