package feed

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livebind/telemetry"
	"github.com/maxpert/livebind/treepath"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 100
	// Default topic prefix
	DefaultTopicPrefix = "livebind"
)

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string      // Sink name (for cursor tracking)
	Log             *Log        // Log to read from
	Sink            Sink        // Destination sink
	Transformer     Transformer // Event format
	Filter          Filter      // Path filter
	TopicPrefix     string      // Topic prefix (e.g., "livebind")
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker tails the log and publishes events to a sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a worker positioned at the sink's persisted cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("feed log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the last sequence this worker handled
func (w *Worker) Cursor() uint64 {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running.Load() {
		c, _ := w.config.Log.Cursor(w.config.Name)
		return c
	}
	return w.cursor
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting feed worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Uint64("cursor", w.cursor).Msg("Feed worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("cursor", w.cursor).
				Msg("Failed to read from feed log")
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}

		if len(events) == 0 {
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Uint64("seq", event.Seq).
					Msg("Failed to publish feed event")
				return
			}
			w.cursor = event.Seq
		}
	}
}

// processEvent publishes one event, then advances the cursor. Filtered
// events advance the cursor without publishing.
func (w *Worker) processEvent(event Event) error {
	if !w.config.Filter.Match(event.Path) {
		telemetry.FeedEventsTotal.With(w.config.Name, "filtered").Inc()
		w.advance(event.Seq)
		return nil
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		telemetry.FeedEventsTotal.With(w.config.Name, "failed").Inc()
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := w.buildTopic(event.Path)
	if err := w.publishWithRetry(topic, event.Path, data); err != nil {
		telemetry.FeedEventsTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	if event.Op == "delete" {
		if err := w.publishWithRetry(topic, event.Path, w.config.Transformer.Tombstone(event.Path)); err != nil {
			telemetry.FeedEventsTotal.With(w.config.Name, "failed").Inc()
			return err
		}
	}

	telemetry.FeedEventsTotal.With(w.config.Name, "published").Inc()
	w.advance(event.Seq)
	return nil
}

// advance persists the cursor. A failure here only means the event may be
// redelivered after a restart.
func (w *Worker) advance(seq uint64) {
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance cursor, event may be redelivered")
	}
}

// buildTopic maps a path to prefix.<top-level segment>
func (w *Worker) buildTopic(path string) string {
	segs := treepath.Split(path)
	top := "root"
	if len(segs) > 0 {
		top = sanitizeTopic(segs[0])
	}
	return w.config.TopicPrefix + "." + top
}

func sanitizeTopic(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// publishWithRetry publishes with exponential backoff until success, max
// retries or stop
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for d; false means the worker was stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
