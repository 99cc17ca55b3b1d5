package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/feed"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultNatsTimeout   = 5 * time.Second
	DefaultNatsStreamAge = 24 * time.Hour

	// HeaderPath carries the changed path on every message
	HeaderPath = "Livebind-Path"
	// HeaderTombstone marks the nil-payload message that follows a delete
	HeaderTombstone = "Livebind-Tombstone"
)

func init() {
	feed.RegisterSink("nats", func(config cfg.SinkConfiguration) (feed.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(NatsConfig{URL: config.NatsURL, ClientName: "livebind-" + config.Name})
	})
}

// NatsConfig holds configuration for NatsSink
type NatsConfig struct {
	URL        string
	ClientName string
	Timeout    time.Duration
	// StreamMaxAge bounds how long JetStream keeps feed messages
	StreamMaxAge time.Duration
}

// NatsSink publishes feed events to JetStream. Each subject gets its own
// file-backed stream, created on first use.
type NatsSink struct {
	config NatsConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	// streams ensured so far; only the worker goroutine touches it
	streams map[string]struct{}
}

// NewNatsSink connects and keeps reconnecting in the background
func NewNatsSink(config NatsConfig) (*NatsSink, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultNatsTimeout
	}
	if config.StreamMaxAge <= 0 {
		config.StreamMaxAge = DefaultNatsStreamAge
	}

	nc, err := nats.Connect(config.URL,
		nats.Name(config.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{config: config, nc: nc, js: js, streams: make(map[string]struct{})}, nil
}

func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	name := streamName(subject)
	if _, ok := n.streams[name]; ok {
		return nil
	}
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.config.StreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams[name] = struct{}{}
	return nil
}

// Publish sends value to the subject and waits for the JetStream ack
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = value
	msg.Header.Set(HeaderPath, key)
	if value == nil {
		msg.Header.Set(HeaderTombstone, "true")
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close drains in-flight messages before disconnecting
func (n *NatsSink) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

// streamName maps a subject to a stream name; stream names can't hold dots
func streamName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_")
}
