package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry counts the labelled metrics tests care about and
// ignores the rest.
type MockMetricsRegistry struct {
	mu       sync.Mutex
	Serves   map[string]int
	Billing  map[string]int
	Events   map[string]int
	Cache    map[string]int
	Requests map[string]int
}

// NewMockMetricsRegistry returns a ready-to-use mock.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Serves:   map[string]int{},
		Billing:  map[string]int{},
		Events:   map[string]int{},
		Cache:    map[string]int{},
		Requests: map[string]int{},
	}
}

func (m *MockMetricsRegistry) inc(dst map[string]int, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst[key]++
}

// Count returns a snapshot of one counter, e.g. Count(m.Serves, "eligible").
func (m *MockMetricsRegistry) Count(src map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return src[key]
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc(m.Requests, endpoint+" "+status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementServes(reason string)                                        { m.inc(m.Serves, reason) }
func (m *MockMetricsRegistry) RecordServedAds(count int)                                            {}
func (m *MockMetricsRegistry) RecordServedSimilarity(similarity float64)                            {}
func (m *MockMetricsRegistry) IncrementImpressions(status string)                                   {}
func (m *MockMetricsRegistry) IncrementEvent(eventType string)                                      { m.inc(m.Events, eventType) }
func (m *MockMetricsRegistry) IncrementBilling(outcome string)                                      { m.inc(m.Billing, outcome) }
func (m *MockMetricsRegistry) IncrementBillingConflicts()                                           {}
func (m *MockMetricsRegistry) SetSpendTotal(campaign string, amount float64)                        {}
func (m *MockMetricsRegistry) IncrementRateLimitRequests(creatorID string)                          {}
func (m *MockMetricsRegistry) IncrementRateLimitHits(creatorID string)                              {}
func (m *MockMetricsRegistry) IncrementEmbeddingRequests(provider, outcome string)                  {}
func (m *MockMetricsRegistry) RecordEmbeddingLatency(provider string, duration time.Duration)       {}
func (m *MockMetricsRegistry) IncrementEmbeddingCache(result string)                                { m.inc(m.Cache, result) }
