// internal/anomaly/detectors.go
package anomaly

import (
	"sort"
	"strings"
	"time"

	"github.com/signalnine/vigil/internal/protocol"
)

// Event types the detectors count. Types are compared lower-cased.
const (
	EventException       = "exception"
	EventAuthFail        = "auth_fail"
	EventDependencyError = "dependency_error"
)

// Detection thresholds. A detector fires when the value is strictly greater.
const (
	TrafficSpikeRPM        = 60
	RepeatedErrorCount     = 10
	RepeatedMessageCount   = 5
	LatencySpikeMs         = 500
	AuthFailureCount       = 5
	DependencyFailureCount = 3
	CorrelationWindow      = 60 * time.Second
	dbErrorNeedle          = "db error"
)

// Detector evaluates one anomaly condition. Detect must not modify its
// arguments; it returns nil when the condition does not hold.
type Detector interface {
	Name() string
	Detect(m Provider, h *PatternHistory) (*protocol.Anomaly, error)
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(m Provider, h *PatternHistory) (*protocol.Anomaly, error)

type namedDetector struct {
	name string
	fn   DetectorFunc
}

func (d namedDetector) Name() string { return d.name }

func (d namedDetector) Detect(m Provider, h *PatternHistory) (*protocol.Anomaly, error) {
	return d.fn(m, h)
}

// NewDetector names a detector function
func NewDetector(name string, fn DetectorFunc) Detector {
	return namedDetector{name: name, fn: fn}
}

// DefaultDetectors returns the built-in rule set in evaluation order
func DefaultDetectors() []Detector {
	return []Detector{
		NewDetector("traffic_spike", DetectTrafficSpike),
		NewDetector("repeated_error", DetectRepeatedError),
		NewDetector("repeated_message", DetectRepeatedMessage),
		NewDetector("latency_spike", DetectLatencySpike),
		NewDetector("auth_anomaly", DetectAuthAnomaly),
		NewDetector("dependency_failure", DetectDependencyFailure),
		NewDetector("db_issue", DetectDBIssue),
	}
}

// DetectTrafficSpike fires when requests per minute exceed 60
func DetectTrafficSpike(m Provider, _ *PatternHistory) (*protocol.Anomaly, error) {
	rpm := m.RPM()
	if rpm <= TrafficSpikeRPM {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.TrafficSpike,
		Severity: protocol.SeverityHigh,
		Evidence: map[string]any{"rpm": rpm},
	}, nil
}

// DetectRepeatedError fires when more than 10 exception events are in the window
func DetectRepeatedError(m Provider, _ *PatternHistory) (*protocol.Anomaly, error) {
	count := m.EventCounts()[EventException]
	if count <= RepeatedErrorCount {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.RepeatedError,
		Severity: protocol.SeverityHigh,
		Evidence: map[string]any{"count": count},
	}, nil
}

// DetectRepeatedMessage fires when one message was seen more than 5 times
// in the trailing correlation window. It reports the most frequent message.
func DetectRepeatedMessage(m Provider, h *PatternHistory) (*protocol.Anomaly, error) {
	counts := make(map[string]int)
	for _, e := range h.Since(m.Now().Add(-CorrelationWindow)) {
		if e.Anomaly == nil && e.Message != "" {
			counts[e.Message]++
		}
	}

	msgs := make([]string, 0, len(counts))
	for msg := range counts {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if counts[msgs[i]] != counts[msgs[j]] {
			return counts[msgs[i]] > counts[msgs[j]]
		}
		return msgs[i] < msgs[j]
	})

	if len(msgs) == 0 || counts[msgs[0]] <= RepeatedMessageCount {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.RepeatedError,
		Severity: protocol.SeverityMedium,
		Evidence: map[string]any{"count": counts[msgs[0]], "message": msgs[0]},
	}, nil
}

// DetectLatencySpike fires when average latency exceeds 500ms
func DetectLatencySpike(m Provider, _ *PatternHistory) (*protocol.Anomaly, error) {
	avg := m.AvgLatency()
	if avg <= LatencySpikeMs {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.LatencySpike,
		Severity: protocol.SeverityMedium,
		Evidence: map[string]any{"avg_latency": avg},
	}, nil
}

// DetectAuthAnomaly fires on more than 5 auth failures
func DetectAuthAnomaly(m Provider, _ *PatternHistory) (*protocol.Anomaly, error) {
	count := m.EventCounts()[EventAuthFail]
	if count <= AuthFailureCount {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.AuthAnomaly,
		Severity: protocol.SeverityHigh,
		Evidence: map[string]any{"count": count},
	}, nil
}

// DetectDependencyFailure fires on more than 3 dependency errors
func DetectDependencyFailure(m Provider, _ *PatternHistory) (*protocol.Anomaly, error) {
	count := m.EventCounts()[EventDependencyError]
	if count <= DependencyFailureCount {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.DependencyFailure,
		Severity: protocol.SeverityCritical,
		Evidence: map[string]any{"count": count},
	}, nil
}

// DetectDBIssue signals when a recent log line mentions "db error".
// The anomaly carries no severity.
func DetectDBIssue(m Provider, h *PatternHistory) (*protocol.Anomaly, error) {
	var lines []string
	for _, e := range h.Since(m.Now().Add(-CorrelationWindow)) {
		if e.Anomaly == nil && e.Message != "" {
			lines = append(lines, e.Message)
		}
	}
	line, ok := firstDBError(lines)
	if !ok {
		return nil, nil
	}
	return &protocol.Anomaly{
		Type:     protocol.DBIssue,
		Evidence: map[string]any{"message": line},
	}, nil
}

// firstDBError returns the first line containing "db error", ignoring case
func firstDBError(lines []string) (string, bool) {
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), dbErrorNeedle) {
			return l, true
		}
	}
	return "", false
}
