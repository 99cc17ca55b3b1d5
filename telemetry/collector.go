package telemetry

import (
	"sync"
	"time"
)

// CacheStats is a point-in-time view of the binding cache.
type CacheStats struct {
	Entries       int
	Subscribers   int
	Remote        int
	PendingWrites int
}

// StatsProvider is implemented by components that expose cache stats.
type StatsProvider interface {
	Stats() CacheStats
}

// MetricsCollector periodically samples a StatsProvider into gauges.
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}
	s := mc.provider.Stats()
	BindingEntries.Set(float64(s.Entries))
	BindingSubscribers.Set(float64(s.Subscribers))
	RemoteSubscriptions.Set(float64(s.Remote))
	PendingWrites.Set(float64(s.PendingWrites))
}
