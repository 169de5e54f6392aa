package analytics

import (
	"context"
	"sync"
)

var _ Sink = (*MockAnalytics)(nil)

// MockAnalytics is an in-memory Sink for testing.
type MockAnalytics struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned by every Record call after the event is kept.
	Err error
}

// NewMockAnalytics creates a new mock analytics instance
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// Record stores ev.
func (m *MockAnalytics) Record(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.Err
}

// Events returns a copy of every recorded event.
func (m *MockAnalytics) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns the recorded events of one type.
func (m *MockAnalytics) ByType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
