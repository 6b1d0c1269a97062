package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the chat node. Scraped from the optional metrics
// HTTP listener (see config.MetricsAddr).
var (
	// Client connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_connections_total",
		Help: "Total number of client connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmesh_connections_active",
		Help: "Current number of active client sessions",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_connections_rejected_total",
		Help: "Connections rejected before a session started, by reason",
	}, []string{"reason"})

	// Frame metrics
	framesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_frames_read_total",
		Help: "Total frames read from clients",
	})

	framesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_frames_written_total",
		Help: "Total frames written to clients",
	})

	// Store metrics
	messagesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_messages_stored_total",
		Help: "Messages inserted into the store (local sends and remote upserts)",
	})

	messagesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_messages_deleted_total",
		Help: "Messages removed from the store",
	})

	messagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_messages_read_total",
		Help: "Messages transitioned from unread to read",
	})

	// Log metrics
	logRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_log_records_total",
		Help: "Records appended to the message log, by record kind",
	}, []string{"kind"})

	logSnapshots = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_log_snapshots_total",
		Help: "Snapshot rewrites of the message log (startup, full sync, compaction)",
	})

	// Replication metrics
	syncApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_sync_applied_total",
		Help: "Replication operations applied from peers, by kind",
	}, []string{"kind"})

	syncFanoutFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_sync_fanout_failures_total",
		Help: "Outbound sync calls that failed, by operation",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		framesRead,
		framesWritten,
		messagesStored,
		messagesDeleted,
		messagesRead,
		logRecords,
		logSnapshots,
		syncApplied,
		syncFanoutFailures,
	)
}

func IncrementConnections()           { connectionsTotal.Inc(); connectionsActive.Inc() }
func DecrementActiveConnections()     { connectionsActive.Dec() }
func IncrementRejected(reason string) { connectionsRejected.WithLabelValues(reason).Inc() }

func IncrementFramesRead()    { framesRead.Inc() }
func IncrementFramesWritten() { framesWritten.Inc() }

func IncrementMessagesStored()        { messagesStored.Inc() }
func IncrementMessagesDeleted(n int)  { messagesDeleted.Add(float64(n)) }
func IncrementMessagesRead(n int)     { messagesRead.Add(float64(n)) }

func IncrementLogRecords(kind string) { logRecords.WithLabelValues(kind).Inc() }
func IncrementLogSnapshots()          { logSnapshots.Inc() }

func IncrementSyncApplied(kind string, n int) {
	syncApplied.WithLabelValues(kind).Add(float64(n))
}

func IncrementFanoutFailure(op string) { syncFanoutFailures.WithLabelValues(op).Inc() }

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
