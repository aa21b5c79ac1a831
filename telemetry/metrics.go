package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// StoreCallBuckets for external store round trips
	StoreCallBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchSizeBuckets for records per write-behind flush
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Map Metrics
var (
	// MapMutationsTotal counts mutations by operation (put, update, remove, replicated)
	MapMutationsTotal CounterVec = noopCounterVec{}

	// MapEntries tracks the number of in-memory entries
	MapEntries Gauge = NoopStat{}

	// MapLoadsTotal counts read-through loads by result (hit, miss, skipped, error)
	MapLoadsTotal CounterVec = noopCounterVec{}
)

// Notification Metrics
var (
	// EventsPublishedTotal counts events enqueued to listener mailboxes by kind
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDeliveredTotal counts events handed to listeners
	EventsDeliveredTotal Counter = NoopStat{}

	// EventsDroppedTotal counts queued events discarded by deregistration
	EventsDroppedTotal Counter = NoopStat{}

	// ListenerPanicsTotal counts recovered listener panics
	ListenerPanicsTotal Counter = NoopStat{}

	// PredicateErrorsTotal counts predicate evaluation failures (treated as non-match)
	PredicateErrorsTotal Counter = NoopStat{}

	// Listeners tracks active registrations
	Listeners Gauge = NoopStat{}
)

// Write-Behind Metrics
var (
	// WriteBehindPending tracks records waiting to be flushed
	WriteBehindPending Gauge = NoopStat{}

	// WriteBehindInFlight tracks records drained but not yet settled
	WriteBehindInFlight Gauge = NoopStat{}

	// WriteBehindFlushTotal counts flushed records by op (store, delete) and result (success, retry, dead)
	WriteBehindFlushTotal CounterVec = noopCounterVec{}

	// WriteBehindBatchSize measures records per flush pass
	WriteBehindBatchSize Histogram = NoopStat{}

	// DeadLettersTotal counts records moved to the dead-letter set
	DeadLettersTotal Counter = NoopStat{}
)

// Store Metrics
var (
	// StoreCallSeconds measures external store latency by op
	StoreCallSeconds HistogramVec = noopHistogramVec{}

	// StoreErrorsTotal counts external store failures by op and kind (connectivity, timeout, partial, other)
	StoreErrorsTotal CounterVec = noopCounterVec{}
)

// Publisher Metrics
var (
	// SinkPublishTotal counts forwarded events by sink and result
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	MapMutationsTotal = NewCounterVec(
		"map_mutations_total",
		"Map mutations by operation",
		[]string{"op"},
	)
	MapEntries = NewGauge(
		"map_entries",
		"Number of in-memory entries",
	)
	MapLoadsTotal = NewCounterVec(
		"map_loads_total",
		"Read-through loads by result",
		[]string{"result"},
	)

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Events enqueued to listener mailboxes by kind",
		[]string{"kind"},
	)
	EventsDeliveredTotal = NewCounter(
		"events_delivered_total",
		"Events delivered to listeners",
	)
	EventsDroppedTotal = NewCounter(
		"events_dropped_total",
		"Queued events discarded after deregistration",
	)
	ListenerPanicsTotal = NewCounter(
		"listener_panics_total",
		"Recovered listener panics",
	)
	PredicateErrorsTotal = NewCounter(
		"predicate_errors_total",
		"Predicate evaluation failures treated as non-match",
	)
	Listeners = NewGauge(
		"listeners",
		"Active listener registrations",
	)

	WriteBehindPending = NewGauge(
		"writebehind_pending",
		"Records waiting to be flushed",
	)
	WriteBehindInFlight = NewGauge(
		"writebehind_inflight",
		"Records drained and awaiting flush result",
	)
	WriteBehindFlushTotal = NewCounterVec(
		"writebehind_flush_total",
		"Flushed records by op and result",
		[]string{"op", "result"},
	)
	WriteBehindBatchSize = NewHistogramWithBuckets(
		"writebehind_batch_size",
		"Records per flush pass",
		BatchSizeBuckets,
	)
	DeadLettersTotal = NewCounter(
		"dead_letters_total",
		"Records dead-lettered after exhausting retries",
	)

	StoreCallSeconds = NewHistogramVec(
		"store_call_seconds",
		"External store call duration in seconds",
		[]string{"op"},
		StoreCallBuckets,
	)
	StoreErrorsTotal = NewCounterVec(
		"store_errors_total",
		"External store errors by op and kind",
		[]string{"op", "kind"},
	)

	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Events forwarded to sinks by result",
		[]string{"sink", "result"},
	)
}
