// internal/anomaly/metrics_store.go
package anomaly

import (
	"strings"
	"sync"
	"time"

	"github.com/signalnine/vigil/internal/protocol"
)

// Provider is everything a detector may ask of the metrics
type Provider interface {
	EventCounts() map[string]int
	RPM() float64
	AvgLatency() float64
	Now() time.Time
}

type eventRecord struct {
	typ string
	at  time.Time
}

type latencyRecord struct {
	ms float64
	at time.Time
}

// MetricsStore keeps timestamped requests, events and latencies and
// aggregates them over a trailing window. Records older than the window
// age out, so a burst raises the rate only while it is recent.
type MetricsStore struct {
	mu        sync.Mutex
	window    time.Duration
	now       func() time.Time
	requests  []time.Time
	events    []eventRecord
	latencies []latencyRecord
}

// NewMetricsStore creates a store aggregating over window. now may be nil.
func NewMetricsStore(window time.Duration, now func() time.Time) *MetricsStore {
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &MetricsStore{window: window, now: now}
}

// Now returns the store's clock reading
func (m *MetricsStore) Now() time.Time {
	return m.now()
}

// RecordRequest counts one request toward RPM
func (m *MetricsStore) RecordRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, m.now())
}

// RecordEvent counts one event of the given type
func (m *MetricsStore) RecordEvent(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventRecord{typ: eventType, at: m.now()})
}

// RecordLatency records one latency sample in milliseconds
func (m *MetricsStore) RecordLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latencyRecord{ms: ms, at: m.now()})
}

// Ingest records an event's type (lower-cased). An event carrying
// metrics.duration_ms also counts as a request with that latency.
func (m *MetricsStore) Ingest(e protocol.Event) {
	typ := strings.ToLower(strings.TrimSpace(e.Type))
	if typ == "" {
		typ = "unknown"
	}
	m.RecordEvent(typ)
	if ms, ok := e.DurationMs(); ok {
		m.RecordRequest()
		m.RecordLatency(ms)
	}
}

// RPM returns requests per minute over the trailing window
func (m *MetricsStore) RPM() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	return m.rpmLocked()
}

// AvgLatency returns the mean latency over the window, 0 when empty
func (m *MetricsStore) AvgLatency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	return m.avgLatencyLocked()
}

// EventCounts returns per-type counts over the window
func (m *MetricsStore) EventCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	return m.countsLocked()
}

// Snapshot captures the current aggregates in one consistent read
func (m *MetricsStore) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	latencies := make([]float64, len(m.latencies))
	for i, l := range m.latencies {
		latencies[i] = l.ms
	}

	return Snapshot{
		Counts:            m.countsLocked(),
		Requests:          len(m.requests),
		Latencies:         latencies,
		RequestsPerMinute: m.rpmLocked(),
		AverageLatency:    m.avgLatencyLocked(),
		TakenAt:           now,
	}
}

// Reset discards every record
func (m *MetricsStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.events = nil
	m.latencies = nil
}

func (m *MetricsStore) rpmLocked() float64 {
	return float64(len(m.requests)) * float64(time.Minute) / float64(m.window)
}

func (m *MetricsStore) avgLatencyLocked() float64 {
	if len(m.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range m.latencies {
		sum += l.ms
	}
	return sum / float64(len(m.latencies))
}

func (m *MetricsStore) countsLocked() map[string]int {
	counts := make(map[string]int)
	for _, e := range m.events {
		counts[e.typ]++
	}
	return counts
}

// prune drops records that are window or more old. Records are appended in
// clock order, so each slice is trimmed from the front.
func (m *MetricsStore) prune(now time.Time) {
	cutoff := now.Add(-m.window)

	i := 0
	for i < len(m.requests) && !m.requests[i].After(cutoff) {
		i++
	}
	m.requests = m.requests[i:]

	i = 0
	for i < len(m.events) && !m.events[i].at.After(cutoff) {
		i++
	}
	m.events = m.events[i:]

	i = 0
	for i < len(m.latencies) && !m.latencies[i].at.After(cutoff) {
		i++
	}
	m.latencies = m.latencies[i:]
}

// Snapshot is an immutable view of the metrics at one instant.
// It implements Provider, so detectors run against a consistent reading.
type Snapshot struct {
	Counts            map[string]int `json:"event_counts"`
	Requests          int            `json:"request_count"`
	Latencies         []float64      `json:"latencies"`
	RequestsPerMinute float64        `json:"rpm"`
	AverageLatency    float64        `json:"avg_latency"`
	TakenAt           time.Time      `json:"taken_at"`
}

func (s Snapshot) EventCounts() map[string]int { return s.Counts }
func (s Snapshot) RPM() float64                { return s.RequestsPerMinute }
func (s Snapshot) AvgLatency() float64         { return s.AverageLatency }
func (s Snapshot) Now() time.Time              { return s.TakenAt }
