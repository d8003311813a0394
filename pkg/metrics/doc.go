/*
Package metrics exposes Prometheus instrumentation for the queue store.

All metrics are package-level collectors registered in init() and
updated directly from the hot paths: write/claim/complete/fail counters,
queue-depth gauges, reconciler cycle timing, orphan-sweep and
compaction accounting, rebuild counts and volume capacity gauges.

Handler() returns the scrape endpoint handler; the facade serves it
when metrics_addr is configured. The Timer helper wraps the common
measure-then-observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
*/
package metrics
