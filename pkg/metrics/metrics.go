package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_cache_hits_total",
			Help: "Total number of cache hits by key",
		},
		[]string{"key"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_cache_misses_total",
			Help: "Total number of cache misses by key (expired entries count as misses)",
		},
		[]string{"key"},
	)

	CacheCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_cache_coalesced_total",
			Help: "Total number of fetches absorbed by an already in-flight fetch",
		},
		[]string{"key"},
	)

	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_cache_invalidations_total",
			Help: "Total number of explicit cache invalidations by key",
		},
		[]string{"key"},
	)

	// Executor metrics
	PoolInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segmentd_pool_in_flight",
			Help: "External calls currently executing per pool",
		},
		[]string{"pool"},
	)

	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segmentd_pool_queue_depth",
			Help: "External calls waiting for a worker per pool",
		},
		[]string{"pool"},
	)

	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmentd_external_call_duration_seconds",
			Help:    "External IPAM call duration in seconds by pool and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool", "outcome"},
	)

	// Allocation metrics
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_allocations_total",
			Help: "Total number of segment allocations by site and outcome",
		},
		[]string{"site", "outcome"},
	)

	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_releases_total",
			Help: "Total number of segment releases by site and outcome",
		},
		[]string{"site", "outcome"},
	)

	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentd_validation_failures_total",
			Help: "Total number of rejected segment candidates by check",
		},
		[]string{"check"},
	)

	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "segmentd_invariant_violations_total",
			Help: "Total number of detected internal invariant violations",
		},
	)

	// IPAM health
	IPAMReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "segmentd_ipam_reachable",
			Help: "Whether the external IPAM system answered the last probe (1 = yes)",
		},
	)

	SegmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segmentd_segments_total",
			Help: "Known segments by site and allocation state",
		},
		[]string{"site", "state"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheCoalesced)
	prometheus.MustRegister(CacheInvalidations)
	prometheus.MustRegister(PoolInFlight)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(ExternalCallDuration)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(ReleasesTotal)
	prometheus.MustRegister(ValidationFailures)
	prometheus.MustRegister(InvariantViolations)
	prometheus.MustRegister(IPAMReachable)
	prometheus.MustRegister(SegmentsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
