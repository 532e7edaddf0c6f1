// internal/protocol/types.go
package protocol

import "time"

// Header names carried by every batch delivery
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-TIMESTAMP"
	HeaderSignature = "X-SIGNATURE"
)

// TimestampFormat is used for X-TIMESTAMP and sent_at. Always rendered in UTC.
const TimestampFormat = time.RFC3339Nano

// Default batch metadata values
const (
	SDKVersion    = "2.0.0"
	SchemaVersion = "1.0"
)

// AnomalyType names one detector outcome
type AnomalyType string

const (
	TrafficSpike      AnomalyType = "traffic_spike"
	RepeatedError     AnomalyType = "repeated_error"
	LatencySpike      AnomalyType = "latency_spike"
	AuthAnomaly       AnomalyType = "auth_anomaly"
	DependencyFailure AnomalyType = "dependency_failure"
	DBIssue           AnomalyType = "db_issue"
	ErrorSpike        AnomalyType = "error_spike"
)

// Severity of an anomaly. db_issue carries none.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is attached to the batch that was being sent when it was detected
type Anomaly struct {
	Type     AnomalyType    `json:"type"`
	Severity Severity       `json:"severity,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Event is one application occurrence. Immutable once queued.
type Event struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Category  string             `json:"category,omitempty"`
	Status    string             `json:"status,omitempty"`
	Severity  string             `json:"severity,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Data      map[string]any     `json:"data,omitempty"`
}

// Envelope wraps an event the way it travels inside a batch
type Envelope struct {
	Event Event `json:"event"`
}

// Message returns the event's data.message, if it has one
func (e Event) Message() string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data["message"].(string)
	return s
}

// DurationMs returns metrics.duration_ms and whether it was present
func (e Event) DurationMs() (float64, bool) {
	if e.Metrics == nil {
		return 0, false
	}
	v, ok := e.Metrics["duration_ms"]
	return v, ok
}

// BatchMeta describes one flush
type BatchMeta struct {
	BatchID       string    `json:"batch_id,omitempty"`
	SDKVersion    string    `json:"sdk_version"`
	SchemaVersion string    `json:"schema_version"`
	SentAt        string    `json:"sent_at"`
	EventCount    int       `json:"event_count"`
	Project       string    `json:"project"`
	Environment   string    `json:"environment"`
	Anomalies     []Anomaly `json:"anomalies,omitempty"`
}

// Batch is the signed body sent from agent to collector
type Batch struct {
	Meta   BatchMeta  `json:"batch_meta"`
	Events []Envelope `json:"events"`
}

// StoredBatch is what the collector persists
type StoredBatch struct {
	ID         int64     `json:"id"`
	BatchID    string    `json:"batch_id"`
	APIKey     string    `json:"api_key"`
	ClientIP   string    `json:"client_ip"`
	Project    string    `json:"project"`
	Env        string    `json:"environment"`
	EventCount int       `json:"event_count"`
	Anomalies  []Anomaly `json:"anomalies"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// FormatTimestamp renders t the way X-TIMESTAMP and sent_at expect
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp accepts any RFC3339 instant and normalizes it to UTC
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
