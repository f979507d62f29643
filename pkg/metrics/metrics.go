package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fetch engine (C4) metrics
	FetchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_fetch_requests_total",
			Help: "Total number of fetch calls by kind (single, all, lockset, references)",
		},
		[]string{"kind"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locus_fetch_duration_seconds",
			Help:    "Fetch call duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	FetchCopyAreaGrowthsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locus_fetch_copyarea_growths_total",
			Help: "Total number of grow-and-retry cycles triggered while sizing a copy area",
		},
	)

	// Force engine (C5) metrics
	ForceSlotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_force_slots_total",
			Help: "Total number of force slots applied by operation (insert, update, delete)",
		},
		[]string{"operation"},
	)

	ForceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locus_force_duration_seconds",
			Help:    "Time taken to apply one force batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForceAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locus_force_aborts_total",
			Help: "Total number of force batches that aborted and were unwound",
		},
	)

	// Index maintainer / FK enforcer (C6) metrics
	IndexMaintenanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_index_maintenance_total",
			Help: "Total number of index-maintenance operations by action (add, remove, update)",
		},
		[]string{"action"},
	)

	FKEnforcementTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locus_fk_enforcement_total",
			Help: "Total number of foreign-key delete/update enforcement outcomes by rule",
		},
		[]string{"rule"},
	)

	// Lock manager (C7) metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locus_lock_wait_duration_seconds",
			Help:    "Time a transaction spent waiting to acquire an object lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locus_lock_denied_total",
			Help: "Total number of lock requests that timed out or were denied",
		},
	)

	// Classname registry (C2) metrics
	ClassnameEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locus_classname_evictions_total",
			Help: "Total number of transient classname-table entries evicted under the soft cap",
		},
	)

	// Raft (C8) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locus_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locus_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locus_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locus_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locus_raft_apply_duration_seconds",
			Help:    "Time taken for FSM.Apply to process one Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locus_raft_commit_duration_seconds",
			Help:    "Time taken for raft.Apply to commit one log entry, client to quorum",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		FetchRequestsTotal,
		FetchDuration,
		FetchCopyAreaGrowthsTotal,
		ForceSlotsTotal,
		ForceDuration,
		ForceAbortsTotal,
		IndexMaintenanceTotal,
		FKEnforcementTotal,
		LockWaitDuration,
		LockDeniedTotal,
		ClassnameEvictionsTotal,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		RaftCommitDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
