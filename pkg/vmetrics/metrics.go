// Package vmetrics exposes VeloxDB's Prometheus metric catalogue: commit
// pipeline throughput and latency, WAL sync behavior, replication lag per
// standby, and endpoint admission-control pressure.
package vmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics
	ObjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veloxdb_objects_total",
			Help: "Live objects per class",
		},
		[]string{"class"},
	)

	VersionChainLength = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veloxdb_version_chain_length",
			Help:    "Number of versions retained per object at commit time",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"class"},
	)

	// Transaction / commit pipeline metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veloxdb_transactions_total",
			Help: "Total transactions by outcome (committed, aborted, conflict)",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veloxdb_commit_duration_seconds",
			Help:    "Time from commit request to durable+replicated acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veloxdb_commit_queue_depth",
			Help: "Transactions waiting on the single-threaded committer",
		},
	)

	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veloxdb_write_write_conflicts_total",
			Help: "Total first-committer-wins conflicts detected",
		},
	)

	CascadeDeletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veloxdb_cascade_deletes_total",
			Help: "Total objects removed by reference-cascade delete",
		},
	)

	// WAL metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veloxdb_wal_append_duration_seconds",
			Help:    "Time to append and sync a commit record to the WAL",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veloxdb_wal_bytes_written_total",
			Help: "Total bytes written to WAL segments",
		},
	)

	WALSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veloxdb_wal_segments_total",
			Help: "Number of WAL segment files currently retained",
		},
	)

	WALCurrentLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veloxdb_wal_current_lsn",
			Help: "Highest log sequence number appended to the WAL",
		},
	)

	// Replication metrics
	ReplicationLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veloxdb_replication_lag_bytes",
			Help: "Bytes of WAL not yet acknowledged by a standby",
		},
		[]string{"standby"},
	)

	ReplicationLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veloxdb_replication_lag_seconds",
			Help: "Time since a standby's last acknowledged batch",
		},
		[]string{"standby"},
	)

	StandbyState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veloxdb_standby_state",
			Help: "Standby connection state (1 = current state active) by state name",
		},
		[]string{"standby", "state"},
	)

	ReplicationRoundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veloxdb_replication_roundtrip_seconds",
			Help:    "Time from LogBatch send to Ack receipt, per standby",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"standby"},
	)

	RoleChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veloxdb_role_changes_total",
			Help: "Total primary/standby role transitions observed",
		},
	)

	// Endpoint / dispatch metrics
	EndpointConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veloxdb_endpoint_connections_open",
			Help: "Currently open client connections",
		},
	)

	EndpointConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veloxdb_endpoint_connections_rejected_total",
			Help: "Connections rejected by admission control, by reason",
		},
		[]string{"reason"},
	)

	EndpointBacklogDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veloxdb_endpoint_backlog_depth",
			Help: "Requests queued waiting for a worker",
		},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veloxdb_operation_duration_seconds",
			Help:    "Dispatched operation duration by api and operation name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api", "operation"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veloxdb_operations_total",
			Help: "Total dispatched operations by api, operation, and outcome",
		},
		[]string{"api", "operation", "outcome"},
	)

	// Checkpoint metrics
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veloxdb_checkpoint_duration_seconds",
			Help:    "Time taken to take a snapshot checkpoint",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veloxdb_checkpoints_total",
			Help: "Total checkpoints taken",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ObjectsTotal,
		VersionChainLength,
		TransactionsTotal,
		CommitDuration,
		CommitQueueDepth,
		ConflictsTotal,
		CascadeDeletesTotal,
		WALAppendDuration,
		WALBytesWritten,
		WALSegmentsTotal,
		WALCurrentLSN,
		ReplicationLagBytes,
		ReplicationLagSeconds,
		StandbyState,
		ReplicationRoundTrip,
		RoleChangesTotal,
		EndpointConnectionsOpen,
		EndpointConnectionsRejected,
		EndpointBacklogDepth,
		OperationDuration,
		OperationsTotal,
		CheckpointDuration,
		CheckpointsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
