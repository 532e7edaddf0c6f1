// internal/anomaly/metrics_store_test.go
package anomaly

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/signalnine/vigil/internal/protocol"
)

// fakeClock is a settable clock shared by tests in this package
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestAvgLatencyEmptyIsZero(t *testing.T) {
	m := NewMetricsStore(time.Minute, nil)
	assert.Equal(t, 0.0, m.AvgLatency())
	assert.Equal(t, 0.0, m.RPM())
	assert.Empty(t, m.EventCounts())
}

func TestRecordAndAggregate(t *testing.T) {
	clock := newFakeClock()
	m := NewMetricsStore(time.Minute, clock.Now)

	m.RecordRequest()
	m.RecordRequest()
	m.RecordLatency(100)
	m.RecordLatency(300)
	m.RecordEvent("exception")
	m.RecordEvent("exception")
	m.RecordEvent("auth_fail")

	assert.Equal(t, 2.0, m.RPM())
	assert.Equal(t, 200.0, m.AvgLatency())
	assert.Equal(t, map[string]int{"exception": 2, "auth_fail": 1}, m.EventCounts())
}

func TestRecordsAgeOutOfWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMetricsStore(time.Minute, clock.Now)

	for i := 0; i < 70; i++ {
		m.RecordRequest()
	}
	m.RecordLatency(900)
	assert.Equal(t, 70.0, m.RPM())

	clock.Advance(59 * time.Second)
	m.RecordRequest()
	assert.Equal(t, 71.0, m.RPM())

	// The first burst is now exactly one window old
	clock.Advance(time.Second)
	assert.Equal(t, 1.0, m.RPM())
	assert.Equal(t, 0.0, m.AvgLatency())

	clock.Advance(time.Minute)
	assert.Equal(t, 0.0, m.RPM())
}

func TestRPMScalesToWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMetricsStore(30*time.Second, clock.Now)
	for i := 0; i < 10; i++ {
		m.RecordRequest()
	}
	assert.Equal(t, 20.0, m.RPM())
}

func TestIngest(t *testing.T) {
	clock := newFakeClock()
	m := NewMetricsStore(time.Minute, clock.Now)

	m.Ingest(protocol.Event{Type: "INCOMING_REQUEST", Metrics: map[string]float64{"duration_ms": 40}})
	m.Ingest(protocol.Event{Type: "Exception"})
	m.Ingest(protocol.Event{})

	snap := m.Snapshot()
	assert.Equal(t, map[string]int{"incoming_request": 1, "exception": 1, "unknown": 1}, snap.Counts)
	assert.Equal(t, 1, snap.Requests)
	assert.Equal(t, []float64{40}, snap.Latencies)
	assert.Equal(t, 40.0, snap.AverageLatency)
	assert.Equal(t, clock.Now(), snap.TakenAt)
}

func TestSnapshotIsDetached(t *testing.T) {
	m := NewMetricsStore(time.Minute, nil)
	m.RecordEvent("a")
	snap := m.Snapshot()

	m.RecordEvent("a")
	assert.Equal(t, 1, snap.EventCounts()["a"])
	assert.Equal(t, 2, m.EventCounts()["a"])
}

func TestReset(t *testing.T) {
	m := NewMetricsStore(time.Minute, nil)
	m.RecordRequest()
	m.RecordEvent("a")
	m.RecordLatency(10)

	m.Reset()
	snap := m.Snapshot()
	assert.Zero(t, snap.Requests)
	assert.Empty(t, snap.Counts)
	assert.Empty(t, snap.Latencies)
}

func TestConcurrentRecording(t *testing.T) {
	m := NewMetricsStore(time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				m.Ingest(protocol.Event{Type: "a", Metrics: map[string]float64{"duration_ms": 1}})
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, m.EventCounts()["a"])
	assert.Equal(t, 1000.0, m.RPM())
}
