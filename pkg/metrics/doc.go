/*
Package metrics defines and registers the Prometheus metrics exposed by
a locus node: fetch/force call counts and latencies, index-maintenance
and FK-enforcement outcomes, lock wait time, classname-table eviction
counts, and the replicated-apply (Raft) gauges. Handler returns the
standard promhttp handler for wiring into an HTTP mux; health.go adds
liveness/readiness JSON endpoints alongside it.

Collector polls a RaftStatsSource (satisfied by pkg/cluster.Node)
on a ticker and mirrors its leader/log-index state into the package's
gauges, so a node doesn't need to update them inline on every Raft
callback.
*/
package metrics
