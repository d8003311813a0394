package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path metrics
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_writes_total",
			Help: "Total number of successful file writes by tenant",
		},
		[]string{"tenant"},
	)

	WriteBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_write_bytes_total",
			Help: "Total bytes written across all tenants",
		},
	)

	WriteRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_write_rejections_total",
			Help: "Total number of rejected writes by reason",
		},
		[]string{"reason"},
	)

	// Queue metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_claims_total",
			Help: "Total number of successful claims by tenant",
		},
		[]string{"tenant"},
	)

	CompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_completions_total",
			Help: "Total number of items marked completed",
		},
	)

	FailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_failures_total",
			Help: "Total number of items marked failed",
		},
	)

	PermanentFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_permanent_failures_total",
			Help: "Total number of items that exhausted their retries",
		},
	)

	TimeoutResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_timeout_resets_total",
			Help: "Total number of stuck processing items re-pended",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_queue_depth",
			Help: "Cached item records by tenant and status",
		},
		[]string{"tenant", "status"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_reconcile_cycles_total",
			Help: "Total number of reconciler cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_reconcile_duration_seconds",
			Help:    "Duration of reconciler cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrphansSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_orphans_swept_total",
			Help: "Total number of orphaned byte files removed",
		},
	)

	CompactionReclaimedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_compaction_reclaimed_bytes_total",
			Help: "Total bytes reclaimed by store compaction",
		},
	)

	// Recovery metrics
	RebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_store_rebuilds_total",
			Help: "Total number of store rebuilds by store kind",
		},
		[]string{"kind"},
	)

	// Capacity metrics
	CapacityTotalBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_capacity_total_bytes",
			Help: "Total capacity across healthy volumes",
		},
	)

	CapacityAvailableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_capacity_available_bytes",
			Help: "Available space across healthy volumes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(WriteBytesTotal)
	prometheus.MustRegister(WriteRejectionsTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(CompletionsTotal)
	prometheus.MustRegister(FailuresTotal)
	prometheus.MustRegister(PermanentFailuresTotal)
	prometheus.MustRegister(TimeoutResetsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(OrphansSweptTotal)
	prometheus.MustRegister(CompactionReclaimedBytes)
	prometheus.MustRegister(RebuildsTotal)
	prometheus.MustRegister(CapacityTotalBytes)
	prometheus.MustRegister(CapacityAvailableBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
