package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// AppendBuckets for synced append log writes
	AppendBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// SnapshotBuckets for cursor mark-delete + snapshot writes
	SnapshotBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// ReplayBuckets for dedup recovery replay durations
	ReplayBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Publish pipeline metrics
var (
	// PublishTotal counts publish attempts by outcome (accepted, duplicate, indeterminate, rejected)
	PublishTotal CounterVec = noopCounterVec{}

	// PublishAppendSeconds measures append log write latency
	PublishAppendSeconds Histogram = NoopStat{}

	// PublishBytesTotal counts payload bytes accepted for append
	PublishBytesTotal Counter = NoopStat{}

	// MarkerMessagesTotal counts marker messages bypassing deduplication
	MarkerMessagesTotal Counter = NoopStat{}

	// ChunkedMessagesTotal counts chunk publishes by kind (first, middle, last)
	ChunkedMessagesTotal CounterVec = noopCounterVec{}
)

// Deduplication engine metrics
var (
	// DedupStatusTransitionsTotal counts status transitions (from -> to)
	DedupStatusTransitionsTotal CounterVec = noopCounterVec{}

	// DedupSnapshotsTotal counts snapshot attempts by trigger (interval, timer, purge, replay) and result
	DedupSnapshotsTotal CounterVec = noopCounterVec{}

	// DedupSnapshotSeconds measures snapshot (mark-delete) latency
	DedupSnapshotSeconds Histogram = NoopStat{}

	// DedupReplaySeconds measures recovery replay duration
	DedupReplaySeconds Histogram = NoopStat{}

	// DedupReplayEntriesTotal counts entries replayed during recovery
	DedupReplayEntriesTotal Counter = NoopStat{}

	// DedupTrackedProducers tracks producers with dedup state across all topics
	DedupTrackedProducers Gauge = NoopStat{}

	// DedupInactiveProducers tracks disconnected producers awaiting purge
	DedupInactiveProducers Gauge = NoopStat{}

	// DedupPurgedProducersTotal counts producers removed by the inactivity sweep
	DedupPurgedProducersTotal Counter = NoopStat{}
)

// Append log metrics
var (
	// LogEntriesTotal counts entries appended to the log
	LogEntriesTotal Counter = NoopStat{}

	// LogSegmentRollsTotal counts segment rollovers
	LogSegmentRollsTotal Counter = NoopStat{}

	// LogCompressedEntriesTotal counts entries stored zstd-compressed
	LogCompressedEntriesTotal Counter = NoopStat{}

	// LogEntryCacheHitsTotal counts entry cache lookups by result (hit, miss)
	LogEntryCacheHitsTotal CounterVec = noopCounterVec{}

	// LogTruncatedEntriesTotal counts truncation runs (one range delete each), not individual entries
	LogTruncatedEntriesTotal Counter = NoopStat{}
)

// Ingress metrics
var (
	// IngressRequestsTotal counts produce requests by transport (nats, replfeed) and result
	IngressRequestsTotal CounterVec = noopCounterVec{}

	// TopicsActive tracks loaded topics
	TopicsActive Gauge = NoopStat{}

	// ProducersConnected tracks currently connected producers
	ProducersConnected Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Publish pipeline metrics
	PublishTotal = NewCounterVec(
		"publish_total",
		"Publish attempts by outcome",
		[]string{"outcome"},
	)
	PublishAppendSeconds = NewHistogramWithBuckets(
		"publish_append_seconds",
		"Append log write latency in seconds",
		AppendBuckets,
	)
	PublishBytesTotal = NewCounter(
		"publish_bytes_total",
		"Payload bytes accepted for append",
	)
	MarkerMessagesTotal = NewCounter(
		"marker_messages_total",
		"Marker messages bypassing deduplication",
	)
	ChunkedMessagesTotal = NewCounterVec(
		"chunked_messages_total",
		"Chunk publishes by kind",
		[]string{"kind"},
	)

	// Deduplication engine metrics
	DedupStatusTransitionsTotal = NewCounterVec(
		"dedup_status_transitions_total",
		"Deduplication status transitions",
		[]string{"from", "to"},
	)
	DedupSnapshotsTotal = NewCounterVec(
		"dedup_snapshots_total",
		"Snapshot attempts by trigger and result",
		[]string{"trigger", "result"},
	)
	DedupSnapshotSeconds = NewHistogramWithBuckets(
		"dedup_snapshot_seconds",
		"Snapshot mark-delete latency in seconds",
		SnapshotBuckets,
	)
	DedupReplaySeconds = NewHistogramWithBuckets(
		"dedup_replay_seconds",
		"Recovery replay duration in seconds",
		ReplayBuckets,
	)
	DedupReplayEntriesTotal = NewCounter(
		"dedup_replay_entries_total",
		"Entries replayed during recovery",
	)
	DedupTrackedProducers = NewGauge(
		"dedup_tracked_producers",
		"Producers with dedup state across all topics",
	)
	DedupInactiveProducers = NewGauge(
		"dedup_inactive_producers",
		"Disconnected producers awaiting purge",
	)
	DedupPurgedProducersTotal = NewCounter(
		"dedup_purged_producers_total",
		"Producers removed by the inactivity sweep",
	)

	// Append log metrics
	LogEntriesTotal = NewCounter(
		"log_entries_total",
		"Entries appended to the log",
	)
	LogSegmentRollsTotal = NewCounter(
		"log_segment_rolls_total",
		"Log segment rollovers",
	)
	LogCompressedEntriesTotal = NewCounter(
		"log_compressed_entries_total",
		"Entries stored zstd-compressed",
	)
	LogEntryCacheHitsTotal = NewCounterVec(
		"log_entry_cache_lookups_total",
		"Entry cache lookups by result",
		[]string{"result"},
	)
	LogTruncatedEntriesTotal = NewCounter(
		"log_truncated_entries_total",
		"Log truncation runs (range deletes behind the slowest cursor)",
	)

	// Ingress metrics
	IngressRequestsTotal = NewCounterVec(
		"ingress_requests_total",
		"Produce requests by transport and result",
		[]string{"transport", "result"},
	)
	TopicsActive = NewGauge(
		"topics_active",
		"Loaded topics",
	)
	ProducersConnected = NewGauge(
		"producers_connected",
		"Currently connected producers",
	)
}
