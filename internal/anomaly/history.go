// internal/anomaly/history.go
package anomaly

import (
	"sync"
	"time"

	"github.com/signalnine/vigil/internal/protocol"
)

// PatternEntry is one remembered anomaly or message-bearing event
type PatternEntry struct {
	At        time.Time
	Anomaly   *protocol.Anomaly
	EventType string
	Message   string
}

// PatternHistory is a fixed-capacity ring buffer; the oldest entry is
// overwritten once it is full. All methods are safe on a nil receiver.
type PatternHistory struct {
	mu      sync.Mutex
	entries []PatternEntry
	next    int
	full    bool
}

// NewPatternHistory creates a history holding at most capacity entries
func NewPatternHistory(capacity int) *PatternHistory {
	if capacity <= 0 {
		capacity = 200
	}
	return &PatternHistory{entries: make([]PatternEntry, capacity)}
}

// Add appends an entry, evicting the oldest on overflow
func (h *PatternHistory) Add(e PatternEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// AddAnomalies records each anomaly as its own entry
func (h *PatternHistory) AddAnomalies(at time.Time, anomalies []protocol.Anomaly) {
	for i := range anomalies {
		a := anomalies[i]
		h.Add(PatternEntry{At: at, Anomaly: &a, EventType: string(a.Type)})
	}
}

// Len returns the number of stored entries
func (h *PatternHistory) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Recent returns up to n newest entries, oldest first. n <= 0 returns none.
func (h *PatternHistory) Recent(n int) []PatternEntry {
	if n <= 0 {
		return nil
	}
	all := h.all()
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Since returns entries recorded strictly after t, oldest first
func (h *PatternHistory) Since(t time.Time) []PatternEntry {
	var out []PatternEntry
	for _, e := range h.all() {
		if e.At.After(t) {
			out = append(out, e)
		}
	}
	return out
}

func (h *PatternHistory) all() []PatternEntry {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]PatternEntry(nil), h.entries[:h.next]...)
	}
	out := make([]PatternEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}
