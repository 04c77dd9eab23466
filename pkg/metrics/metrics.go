// Package metrics exposes WolfScale's Prometheus surface: package-level
// collectors registered in init(), a Handler for /metrics, and a Timer
// helper for histogram observation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WAL metrics
	WALHeadLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolfscale_wal_head_lsn",
			Help: "Highest LSN appended to the local WAL",
		},
	)

	WALFloorLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolfscale_wal_floor_lsn",
			Help: "Lowest LSN still retrievable from the local WAL",
		},
	)

	WALSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolfscale_wal_segments_total",
			Help: "Number of WAL segments currently on disk",
		},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wolfscale_wal_append_duration_seconds",
			Help:    "Time taken to append and flush a batch to the WAL",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALTruncatedSegmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wolfscale_wal_truncated_segments_total",
			Help: "Total number of sealed segments removed by retention",
		},
	)

	// Membership metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wolfscale_peers_total",
			Help: "Known peers by role and status",
		},
		[]string{"role", "status"},
	)

	CurrentTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolfscale_current_term",
			Help: "This node's current leader-epoch term",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolfscale_is_leader",
			Help: "Whether this node currently holds the Leader role (1 = leader, 0 = follower)",
		},
	)

	LeaderElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wolfscale_leader_elections_total",
			Help: "Total number of times this node has assumed leadership",
		},
	)

	// Replication metrics
	ReplicationLagEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wolfscale_replication_lag_entries",
			Help: "LSN lag observed per follower from the leader's perspective",
		},
		[]string{"peer_id"},
	)

	AppendEntriesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wolfscale_append_entries_sent_total",
			Help: "Total AppendEntries frames sent to followers",
		},
	)

	AppendAcksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolfscale_append_acks_received_total",
			Help: "Total AppendAck frames received, by outcome",
		},
		[]string{"ok"},
	)

	SyncRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wolfscale_sync_requests_total",
			Help: "Total SyncRequest frames issued by this node as a follower",
		},
	)

	// Proxy metrics
	ProxyConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wolfscale_proxy_connections_active",
			Help: "Currently open client connections on the MySQL proxy",
		},
	)

	ProxyStatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolfscale_proxy_statements_total",
			Help: "Total statements handled by the proxy, by classification and route",
		},
		[]string{"classification", "route"},
	)

	ProxyStatementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wolfscale_proxy_statement_duration_seconds",
			Help:    "Statement handling duration in seconds, by classification",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"classification"},
	)

	ForwardedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wolfscale_forwarded_writes_total",
			Help: "Total writes forwarded from a follower to the leader",
		},
	)

	// Database adapter metrics
	DBHealthPingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wolfscale_db_health_ping_failures_total",
			Help: "Total consecutive-failure-eligible local DB health ping failures",
		},
	)

	DBApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wolfscale_db_apply_duration_seconds",
			Help:    "Time taken to apply one WAL entry to the local DB",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolfscale_migrations_total",
			Help: "Total migrations attempted, by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wolfscale_migration_duration_seconds",
			Help:    "Time taken to complete a migration",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Admin API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wolfscale_api_requests_total",
			Help: "Total admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wolfscale_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		WALHeadLSN,
		WALFloorLSN,
		WALSegmentsTotal,
		WALAppendDuration,
		WALTruncatedSegmentsTotal,
		PeersTotal,
		CurrentTerm,
		IsLeader,
		LeaderElectionsTotal,
		ReplicationLagEntries,
		AppendEntriesSentTotal,
		AppendAcksReceivedTotal,
		SyncRequestsTotal,
		ProxyConnectionsActive,
		ProxyStatementsTotal,
		ProxyStatementDuration,
		ForwardedWritesTotal,
		DBHealthPingFailuresTotal,
		DBApplyDuration,
		MigrationsTotal,
		MigrationDuration,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler for the default registry. No
// listener in this module mounts it; there is no metrics bind address in
// the configuration.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and observing the result into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
