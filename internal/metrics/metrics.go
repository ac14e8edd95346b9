package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "knowledge",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "provider_requests_total",
		Help:      "Total requests to search providers by provider name and result status.",
	}, []string{"provider", "status"})

	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "knowledge",
		Name:      "provider_request_duration_seconds",
		Help:      "Search provider request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"provider"})

	ProviderAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "knowledge",
		Name:      "provider_available",
		Help:      "Whether a provider is available (1) or throttled/unhealthy (0).",
	}, []string{"provider"})

	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "queries_total",
		Help:      "Total knowledge queries by outcome.",
	}, []string{"status"})

	QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "knowledge",
		Name:      "query_duration_seconds",
		Help:      "End-to-end knowledge query duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "cache_hits_total",
		Help:      "Total number of response cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "cache_misses_total",
		Help:      "Total number of response cache misses.",
	})

	ResearchAugmentationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "research_augmentations_total",
		Help:      "Total task research augmentations by outcome.",
	}, []string{"status"})

	ProvenanceWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "provenance_writes_total",
		Help:      "Total provenance record writes by outcome.",
	}, []string{"status"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		ProviderAvailable,
		QueriesTotal,
		QueryDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		ResearchAugmentationsTotal,
		ProvenanceWritesTotal,
	)
}
