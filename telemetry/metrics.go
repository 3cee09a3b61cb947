package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PollBuckets for changelog poll cycles (local SQLite reads)
	PollBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// BroadcastBuckets for in-process fan-out to subscribers
	BroadcastBuckets = []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25}

	// SnapshotBuckets for full-table snapshot reads
	SnapshotBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// FlushBuckets for batch writer commits
	FlushBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}
)

// Watch / Dispatch Metrics
var (
	// EventsObserved counts changelog entries turned into events, by table
	EventsObserved CounterVec = noopCounterVec{}

	// EventsDispatched counts events fanned out to subscribers, by table
	EventsDispatched CounterVec = noopCounterVec{}

	// EventsSkipped counts events dropped by the no-op classification
	EventsSkipped Counter = NoopStat{}

	// DeliveriesTotal counts per-subscriber deliveries
	DeliveriesTotal Counter = NoopStat{}

	// DropsTotal counts per-subscriber drops by reason (backlog, pending, timeout)
	DropsTotal CounterVec = noopCounterVec{}

	// Subscribers tracks the current subscriber count
	Subscribers Gauge = NoopStat{}

	// BroadcastSeconds measures registry fan-out duration
	BroadcastSeconds Histogram = NoopStat{}

	// PollSeconds measures one changelog poll cycle
	PollSeconds Histogram = NoopStat{}

	// PollFailures counts failed changelog polls
	PollFailures Counter = NoopStat{}

	// ObservationHalts counts watcher loops halted by an observation error
	ObservationHalts Counter = NoopStat{}
)

// Store Metrics
var (
	// SnapshotsTotal counts snapshot reads by table
	SnapshotsTotal CounterVec = noopCounterVec{}

	// SnapshotSeconds measures snapshot read duration
	SnapshotSeconds Histogram = NoopStat{}

	// WriterFlushes counts batch writer transaction commits
	WriterFlushes Counter = NoopStat{}

	// WriterQueuedOps measures operations per committed batch
	WriterQueuedOps Histogram = NoopStat{}

	// WriterFlushSeconds measures batch commit duration
	WriterFlushSeconds Histogram = NoopStat{}

	// ChangelogBacklog tracks unpruned changelog entries
	ChangelogBacklog Gauge = NoopStat{}

	// ChangelogPruned counts pruned changelog entries
	ChangelogPruned Counter = NoopStat{}
)

// Stream / Relay Metrics
var (
	// StreamClients tracks connected stream clients by transport (ws, sse)
	StreamClients GaugeVec = noopGaugeVec{}

	// RelayPublished counts events published to broker sinks, by sink
	RelayPublished CounterVec = noopCounterVec{}

	// RelayRetries counts publish retries, by sink
	RelayRetries CounterVec = noopCounterVec{}

	// RelayLag tracks events between the changelog head and a sink cursor
	RelayLag GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists; InitializeTelemetry does both.
func InitMetrics() {
	EventsObserved = NewCounterVec(
		"events_observed_total",
		"Changelog entries normalized into change events",
		[]string{"table"},
	)
	EventsDispatched = NewCounterVec(
		"events_dispatched_total",
		"Change events fanned out to subscribers",
		[]string{"table"},
	)
	EventsSkipped = NewCounter(
		"events_skipped_total",
		"Events dropped by the no-op classification",
	)
	DeliveriesTotal = NewCounter(
		"deliveries_total",
		"Per-subscriber event deliveries",
	)
	DropsTotal = NewCounterVec(
		"drops_total",
		"Per-subscriber drops by reason",
		[]string{"reason"},
	)
	Subscribers = NewGauge(
		"subscribers",
		"Current subscriber count",
	)
	BroadcastSeconds = NewHistogram(
		"broadcast_seconds",
		"Registry fan-out duration",
		BroadcastBuckets,
	)
	PollSeconds = NewHistogram(
		"poll_seconds",
		"Changelog poll cycle duration",
		PollBuckets,
	)
	PollFailures = NewCounter(
		"poll_failures_total",
		"Failed changelog polls",
	)
	ObservationHalts = NewCounter(
		"observation_halts_total",
		"Watcher loops halted by an observation error",
	)

	SnapshotsTotal = NewCounterVec(
		"snapshots_total",
		"Snapshot reads by table",
		[]string{"table"},
	)
	SnapshotSeconds = NewHistogram(
		"snapshot_seconds",
		"Snapshot read duration",
		SnapshotBuckets,
	)
	WriterFlushes = NewCounter(
		"writer_flushes_total",
		"Batch writer transaction commits",
	)
	WriterQueuedOps = NewHistogram(
		"writer_queued_ops",
		"Operations per committed batch",
		[]float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	)
	WriterFlushSeconds = NewHistogram(
		"writer_flush_seconds",
		"Batch commit duration",
		FlushBuckets,
	)
	ChangelogBacklog = NewGauge(
		"changelog_backlog",
		"Unpruned changelog entries",
	)
	ChangelogPruned = NewCounter(
		"changelog_pruned_total",
		"Pruned changelog entries",
	)

	StreamClients = NewGaugeVec(
		"stream_clients",
		"Connected stream clients by transport",
		[]string{"transport"},
	)
	RelayPublished = NewCounterVec(
		"relay_published_total",
		"Events published to broker sinks",
		[]string{"sink"},
	)
	RelayRetries = NewCounterVec(
		"relay_retries_total",
		"Publish retries by sink",
		[]string{"sink"},
	)
	RelayLag = NewGaugeVec(
		"relay_lag",
		"Events between changelog head and sink cursor",
		[]string{"sink"},
	)
}
