package feed

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livebind/binding"
	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/encoding"
	"github.com/maxpert/livebind/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultQueueSize bounds commits waiting for the log
	DefaultQueueSize = 4096
	appendBatch      = 128
)

// Config configures a Publisher
type Config struct {
	DataDir   string
	NodeID    uint64
	QueueSize int
	Sinks     []cfg.SinkConfiguration
}

// Publisher turns binding commits into log events and runs one worker per
// sink.
type Publisher struct {
	log     *Log
	nodeID  uint64
	queue   chan Event
	workers []*Worker

	running atomic.Bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPublisher opens the log and builds a worker for every sink.
func NewPublisher(config Config) (*Publisher, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	feedLog, err := OpenLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed log: %w", err)
	}

	p := &Publisher{
		log:     feedLog,
		nodeID:  config.NodeID,
		queue:   make(chan Event, config.QueueSize),
		workers: make([]*Worker, 0, len(config.Sinks)),
	}

	for _, sinkCfg := range config.Sinks {
		if err := p.AddSink(sinkCfg); err != nil {
			p.closeSinks()
			feedLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("sinks", len(p.workers)).Msg("Commit feed initialized")
	return p, nil
}

// Log exposes the underlying event log
func (p *Publisher) Log() *Log {
	return p.log
}

// Workers returns the sink workers in configuration order
func (p *Publisher) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// AddSink creates the sink, format and filter for config and registers a
// worker for it. Must be called before Start.
func (p *Publisher) AddSink(config cfg.SinkConfiguration) error {
	snk, err := NewSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return p.addWorker(config, snk)
}

func (p *Publisher) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterPaths)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             p.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	p.workers = append(p.workers, worker)
	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added feed sink")
	return nil
}

// Start launches the appender and every worker
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.appendLoop()

	for _, w := range p.workers {
		w.Start()
	}
	p.running.Store(true)
	return nil
}

// Stop drains queued commits into the log, stops the workers and closes
// the sinks and the log.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Swap(false) {
		return
	}

	close(p.stopCh)
	<-p.doneCh

	for _, w := range p.workers {
		w.Stop()
	}
	p.closeSinks()

	if err := p.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close feed log")
	}
	log.Info().Msg("Commit feed stopped")
}

func (p *Publisher) closeSinks() {
	for _, w := range p.workers {
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
		}
	}
}

// Hook is a binding.CommitHook. It never blocks: when the queue is full the
// commit is dropped.
func (p *Publisher) Hook(c binding.Commit) {
	if !p.running.Load() {
		return
	}

	event := Event{
		Path:     c.Path,
		Op:       string(c.Op),
		CommitTS: c.At.UnixMilli(),
		NodeID:   p.nodeID,
	}
	if c.Op != binding.OpDelete && c.Value != nil {
		data, err := encoding.EncodeValue(c.Value)
		if err != nil {
			log.Warn().Err(err).Str("path", c.Path).Msg("Failed to encode commit for feed")
			telemetry.FeedDroppedTotal.Inc()
			return
		}
		event.Value = data
	}

	select {
	case p.queue <- event:
	default:
		telemetry.FeedDroppedTotal.Inc()
		log.Warn().Str("path", c.Path).Str("op", string(c.Op)).Msg("Feed queue full, dropping commit")
	}
}

// appendLoop moves queued events into the log in batches
func (p *Publisher) appendLoop() {
	defer close(p.doneCh)

	batch := make([]Event, 0, appendBatch)
	for {
		select {
		case <-p.stopCh:
			p.drainQueue(batch[:0])
			return
		case ev := <-p.queue:
			batch = append(batch[:0], ev)
		fill:
			for len(batch) < appendBatch {
				select {
				case ev := <-p.queue:
					batch = append(batch, ev)
				default:
					break fill
				}
			}
			p.append(batch)
		}
	}
}

func (p *Publisher) drainQueue(batch []Event) {
	for {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
		default:
			p.append(batch)
			return
		}
	}
}

func (p *Publisher) append(batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := p.log.Append(batch); err != nil {
		telemetry.FeedDroppedTotal.Add(float64(len(batch)))
		log.Error().Err(err).Int("events", len(batch)).Msg("Failed to append commits to feed log")
	}
}

// NewSink creates a sink from the factory registered for its type
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
