package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// so components receive their sink by injection instead of touching globals.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Serving metrics
	IncrementServes(reason string)
	RecordServedAds(count int)
	RecordServedSimilarity(similarity float64)

	// Event tracking metrics
	IncrementImpressions(status string)
	IncrementEvent(eventType string)

	// Billing metrics
	IncrementBilling(outcome string)
	IncrementBillingConflicts()
	SetSpendTotal(campaign string, amount float64)

	// Rate limiting metrics
	IncrementRateLimitRequests(creatorID string)
	IncrementRateLimitHits(creatorID string)

	// Embedding metrics
	IncrementEmbeddingRequests(provider, outcome string)
	RecordEmbeddingLatency(provider string, duration time.Duration)
	IncrementEmbeddingCache(result string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Serving metrics
func (r *PrometheusRegistry) IncrementServes(reason string) {
	ServeCount.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) RecordServedAds(count int) {
	ServedAds.Observe(float64(count))
}

func (r *PrometheusRegistry) RecordServedSimilarity(similarity float64) {
	ServedSimilarity.Observe(similarity)
}

// Event tracking metrics
func (r *PrometheusRegistry) IncrementImpressions(status string) {
	ImpressionCount.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

// Billing metrics
func (r *PrometheusRegistry) IncrementBilling(outcome string) {
	BillingCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) IncrementBillingConflicts() {
	BillingConflicts.Inc()
}

func (r *PrometheusRegistry) SetSpendTotal(campaign string, amount float64) {
	SpendTotal.WithLabelValues(campaign).Set(amount)
}

// Rate limiting metrics
func (r *PrometheusRegistry) IncrementRateLimitRequests(creatorID string) {
	RateLimitRequests.WithLabelValues(creatorID).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(creatorID string) {
	RateLimitHits.WithLabelValues(creatorID).Inc()
}

// Embedding metrics
func (r *PrometheusRegistry) IncrementEmbeddingRequests(provider, outcome string) {
	EmbeddingRequests.WithLabelValues(provider, outcome).Inc()
}

func (r *PrometheusRegistry) RecordEmbeddingLatency(provider string, duration time.Duration) {
	EmbeddingLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementEmbeddingCache(result string) {
	EmbeddingCache.WithLabelValues(result).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementServes(reason string)                                        {}
func (r *NoOpRegistry) RecordServedAds(count int)                                            {}
func (r *NoOpRegistry) RecordServedSimilarity(similarity float64)                            {}
func (r *NoOpRegistry) IncrementImpressions(status string)                                   {}
func (r *NoOpRegistry) IncrementEvent(eventType string)                                      {}
func (r *NoOpRegistry) IncrementBilling(outcome string)                                      {}
func (r *NoOpRegistry) IncrementBillingConflicts()                                           {}
func (r *NoOpRegistry) SetSpendTotal(campaign string, amount float64)                        {}
func (r *NoOpRegistry) IncrementRateLimitRequests(creatorID string)                          {}
func (r *NoOpRegistry) IncrementRateLimitHits(creatorID string)                              {}
func (r *NoOpRegistry) IncrementEmbeddingRequests(provider, outcome string)                  {}
func (r *NoOpRegistry) RecordEmbeddingLatency(provider string, duration time.Duration)       {}
func (r *NoOpRegistry) IncrementEmbeddingCache(result string)                                {}
