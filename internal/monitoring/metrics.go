package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Total rejected connection attempts by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	slowConsumersDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_consumers_disconnected_total",
		Help: "Total number of clients disconnected for a full outbound queue",
	})

	protocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_protocol_violations_total",
		Help: "Total number of malformed or invalid client messages",
	})

	viewportUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_viewport_updates_total",
		Help: "Total number of accepted viewport updates",
	})

	initialSnapshots = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_initial_snapshots_sent_total",
		Help: "Total number of initial_markers snapshots sent",
	})

	batchesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_marker_batches_sent_total",
		Help: "Total number of marker_updates_batch messages enqueued",
	})

	deltasSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_marker_deltas_sent_total",
		Help: "Total marker deltas enqueued to clients by kind",
	}, []string{"kind"})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_marker_batch_size_deltas",
		Help:    "Deltas carried by one marker_updates_batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	flushQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_flush_queue_depth",
		Help: "Current number of tasks waiting in the flush worker queue",
	})

	flushQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_flush_queue_capacity",
		Help: "Capacity of the flush worker queue",
	})

	flushInline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_flush_inline_total",
		Help: "Flush tasks run inline because the worker queue was full",
	})

	storeMarkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_marker_store_size",
		Help: "Current number of markers in the store",
	})

	sessionsWithViewport = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_sessions_with_viewport",
		Help: "Sessions that have sent at least one valid viewport",
	})

	busConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_bus_connected",
		Help: "Message bus connectivity (1=connected, 0=down)",
	})

	busMessagesProcessed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_bus_messages_processed",
		Help: "Total bus messages applied to the store",
	})

	busMessagesDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_bus_messages_dropped",
		Help: "Total bus messages dropped on queue overflow",
	})

	busMessagesFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_bus_messages_failed",
		Help: "Total bus messages rejected as malformed",
	})

	busQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_bus_queue_depth",
		Help: "Current depth of the consumer queue",
	})

	hydrateCycles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_hydrate_cycles_total",
		Help: "Completed hydrate cycles",
	})

	hydrateFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_hydrate_failures_total",
		Help: "Hydrate cycles that exhausted all attempts",
	})

	hydrateSkipped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_hydrate_skipped_records_total",
		Help: "Upstream records skipped during hydration",
	})

	hydrateLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_hydrate_last_success_timestamp_seconds",
		Help: "Unix time of the last successful hydrate, 0 if never",
	})

	hydrateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_hydrate_duration_seconds",
		Help:    "Wall time of one successful hydrate cycle, fetch plus apply",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(slowConsumersDisconnected)
	prometheus.MustRegister(protocolViolations)
	prometheus.MustRegister(viewportUpdates)
	prometheus.MustRegister(initialSnapshots)
	prometheus.MustRegister(batchesSent)
	prometheus.MustRegister(deltasSent)
	prometheus.MustRegister(batchSize)

	prometheus.MustRegister(flushQueueDepth)
	prometheus.MustRegister(flushQueueCapacity)
	prometheus.MustRegister(flushInline)

	prometheus.MustRegister(storeMarkers)
	prometheus.MustRegister(sessionsWithViewport)

	prometheus.MustRegister(busConnected)
	prometheus.MustRegister(busMessagesProcessed)
	prometheus.MustRegister(busMessagesDropped)
	prometheus.MustRegister(busMessagesFailed)
	prometheus.MustRegister(busQueueDepth)

	prometheus.MustRegister(hydrateCycles)
	prometheus.MustRegister(hydrateFailures)
	prometheus.MustRegister(hydrateSkipped)
	prometheus.MustRegister(hydrateLastSuccess)
	prometheus.MustRegister(hydrateDuration)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Disconnect reasons, used as metric labels and in audit events.
const (
	DisconnectReasonReadError       = "read_error"
	DisconnectReasonIdleTimeout     = "idle_timeout"
	DisconnectReasonSlowConsumer    = "slow_consumer"
	DisconnectReasonViolations      = "protocol_violations"
	DisconnectReasonServerShutdown  = "server_shutdown"
	DisconnectReasonClientInitiated = "client_initiated"
	DisconnectReasonWriteError      = "write_error"
)

const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Rejection reasons for connection attempts that never became sessions.
const (
	RejectReasonShuttingDown  = "shutting_down"
	RejectReasonRateLimited   = "rate_limited"
	RejectReasonCapacity      = "capacity"
	RejectReasonUpgradeFailed = "upgrade_failed"
)

func RecordConnect(active int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

func RecordDisconnect(reason, initiatedBy string, duration time.Duration, active int64) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	connectionsActive.Set(float64(active))
}

func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementSlowConsumerDisconnects() {
	slowConsumersDisconnected.Inc()
}

func IncrementProtocolViolations() {
	protocolViolations.Inc()
}

func IncrementViewportUpdates() {
	viewportUpdates.Inc()
}

func IncrementInitialSnapshots() {
	initialSnapshots.Inc()
}

// RecordBatch counts one flushed batch and its deltas per kind.
func RecordBatch(created, updated, deleted int) {
	batchesSent.Inc()
	batchSize.Observe(float64(created + updated + deleted))
	if created > 0 {
		deltasSent.WithLabelValues("created").Add(float64(created))
	}
	if updated > 0 {
		deltasSent.WithLabelValues("updated").Add(float64(updated))
	}
	if deleted > 0 {
		deltasSent.WithLabelValues("deleted").Add(float64(deleted))
	}
}

func RecordFlushInline() {
	flushInline.Inc()
}

func SetFlushQueue(depth, capacity int) {
	flushQueueDepth.Set(float64(depth))
	flushQueueCapacity.Set(float64(capacity))
}

func SetConnectionsMax(n int) {
	connectionsMax.Set(float64(n))
}

func SetStoreSize(n int) {
	storeMarkers.Set(float64(n))
}

func SetSessionsWithViewport(n int) {
	sessionsWithViewport.Set(float64(n))
}

func SetBusStats(connected bool, processed, dropped, failed uint64, queued int) {
	if connected {
		busConnected.Set(1)
	} else {
		busConnected.Set(0)
	}
	busMessagesProcessed.Set(float64(processed))
	busMessagesDropped.Set(float64(dropped))
	busMessagesFailed.Set(float64(failed))
	busQueueDepth.Set(float64(queued))
}

func ObserveHydrateDuration(d time.Duration) {
	hydrateDuration.Observe(d.Seconds())
}

func SetHydrateStats(cycles, failures, skipped uint64, lastSuccess time.Time) {
	hydrateCycles.Set(float64(cycles))
	hydrateFailures.Set(float64(failures))
	hydrateSkipped.Set(float64(skipped))
	if lastSuccess.IsZero() {
		hydrateLastSuccess.Set(0)
	} else {
		hydrateLastSuccess.Set(float64(lastSuccess.Unix()))
	}
}

func SetSystemStats(memBytes uint64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(float64(memBytes))
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
