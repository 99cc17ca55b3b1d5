package telemetry

var (
	// CommitBuckets covers store round trips from local memory to a remote SQL file.
	CommitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// UploadBuckets covers blob uploads.
	UploadBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}
)

// Binding cache
var (
	// BindingEntries tracks live cache entries
	BindingEntries Gauge = NoopStat{}

	// BindingSubscribers tracks local subscribers across entries
	BindingSubscribers Gauge = NoopStat{}

	// RemoteSubscriptions tracks open remote listeners
	RemoteSubscriptions Gauge = NoopStat{}

	// PendingWrites tracks debounced writes not yet committed
	PendingWrites Gauge = NoopStat{}

	// DeliveriesTotal counts values delivered to local subscribers
	DeliveriesTotal Counter = NoopStat{}

	// CoalescedWritesTotal counts writes folded into an already pending write, by kind (set, update)
	CoalescedWritesTotal CounterVec = noopCounterVec{}

	// RejectedWritesTotal counts writes refused before reaching the store, by reason
	RejectedWritesTotal CounterVec = noopCounterVec{}

	// CommitsTotal counts store commits by op (set, update, delete, push) and result
	CommitsTotal CounterVec = noopCounterVec{}

	// CommitDurationSeconds measures store commit latency by op
	CommitDurationSeconds HistogramVec = noopHistogramVec{}

	// EvictionsTotal counts idle entries dropped from the cache
	EvictionsTotal Counter = NoopStat{}
)

// Attachments
var (
	// UploadsTotal counts attachment uploads by result
	UploadsTotal CounterVec = noopCounterVec{}

	// UploadDurationSeconds measures blob upload latency
	UploadDurationSeconds HistogramVec = noopHistogramVec{}

	// RefChangesTotal counts reference count changes by op (use, release) and result
	RefChangesTotal CounterVec = noopCounterVec{}

	// OrphansDeletedTotal counts blobs deleted after their count reached zero, by result
	OrphansDeletedTotal CounterVec = noopCounterVec{}
)

// Commit feed
var (
	// FeedEventsTotal counts feed events by sink and result (published, filtered, failed)
	FeedEventsTotal CounterVec = noopCounterVec{}

	// FeedDroppedTotal counts events dropped because the feed log was unavailable
	FeedDroppedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	BindingEntries = NewGauge("binding_entries", "Live binding cache entries")
	BindingSubscribers = NewGauge("binding_subscribers", "Local subscribers across all bindings")
	RemoteSubscriptions = NewGauge("remote_subscriptions", "Open remote store subscriptions")
	PendingWrites = NewGauge("pending_writes", "Debounced writes waiting to commit")
	DeliveriesTotal = NewCounter("deliveries_total", "Values delivered to local subscribers")
	CoalescedWritesTotal = NewCounterVec(
		"coalesced_writes_total",
		"Writes folded into a pending write",
		[]string{"kind"},
	)
	RejectedWritesTotal = NewCounterVec(
		"rejected_writes_total",
		"Writes refused before reaching the store",
		[]string{"reason"},
	)
	CommitsTotal = NewCounterVec(
		"commits_total",
		"Store commits by op and result",
		[]string{"op", "result"},
	)
	CommitDurationSeconds = NewHistogramVec(
		"commit_duration_seconds",
		"Store commit duration in seconds",
		[]string{"op"},
		CommitBuckets,
	)
	EvictionsTotal = NewCounter("evictions_total", "Idle binding entries evicted")

	UploadsTotal = NewCounterVec(
		"uploads_total",
		"Attachment uploads by result",
		[]string{"result"},
	)
	UploadDurationSeconds = NewHistogramVec(
		"upload_duration_seconds",
		"Attachment upload duration in seconds",
		[]string{"folder"},
		UploadBuckets,
	)
	RefChangesTotal = NewCounterVec(
		"ref_changes_total",
		"Attachment reference count changes",
		[]string{"op", "result"},
	)
	OrphansDeletedTotal = NewCounterVec(
		"orphans_deleted_total",
		"Blobs deleted after their last reference was released",
		[]string{"result"},
	)

	FeedEventsTotal = NewCounterVec(
		"feed_events_total",
		"Commit feed events by sink and result",
		[]string{"sink", "result"},
	)
	FeedDroppedTotal = NewCounter("feed_dropped_total", "Commit feed events dropped")
}
