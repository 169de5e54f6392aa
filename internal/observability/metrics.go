package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatads_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// serving decisions labelled by reason (eligible, cooling_down, ...)
	ServeCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_serves_total",
			Help: "Total serve decisions by reason",
		},
		[]string{"reason"},
	)

	// ads returned per serve
	ServedAds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatads_served_ads",
			Help:    "Number of ads returned per serve",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)

	// similarity of every served ad
	ServedSimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatads_served_similarity",
			Help:    "Cosine similarity of served ads",
			Buckets: prometheus.LinearBuckets(-1, 0.1, 21),
		},
	)

	// number of impression events received (status label)
	ImpressionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_impressions_total",
			Help: "Total impression events",
		},
		[]string{"status"},
	)

	// number of tracking events recorded, labelled by type
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_events_total",
			Help: "Total events recorded",
		},
		[]string{"type"},
	)

	// billing attempts labelled by outcome
	BillingCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_billing_total",
			Help: "Total billing attempts by outcome",
		},
		[]string{"outcome"},
	)

	// billing transactions retried after a conflict
	BillingConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatads_billing_conflicts_total",
			Help: "Total billing conflicts retried",
		},
	)

	// spend recorded per campaign
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatads_spend_total",
			Help: "Total spend recorded",
		},
		[]string{"campaign"},
	)

	// rate limit hits per creator
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_ratelimit_hits_total",
			Help: "Total rate limit hits per creator",
		},
		[]string{"creator_id"},
	)

	// rate limit requests per creator
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_ratelimit_requests_total",
			Help: "Total rate limit requests per creator",
		},
		[]string{"creator_id"},
	)

	// embedding provider calls labelled by provider and outcome
	EmbeddingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_embedding_requests_total",
			Help: "Total embedding provider requests",
		},
		[]string{"provider", "outcome"},
	)

	// latency of embedding provider calls
	EmbeddingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatads_embedding_duration_seconds",
			Help:    "Duration of embedding provider requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// embedding cache lookups labelled hit or miss
	EmbeddingCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatads_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"result"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		ServeCount,
		ServedAds,
		ServedSimilarity,
		ImpressionCount,
		EventCount,
		BillingCount,
		BillingConflicts,
		SpendTotal,
		RateLimitHits,
		RateLimitRequests,
		EmbeddingRequests,
		EmbeddingLatency,
		EmbeddingCache,
	)
}
