// internal/anomaly/alert.go
package anomaly

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/metrics"
	"github.com/signalnine/vigil/internal/protocol"
)

// Sink receives anomalies one at a time
type Sink interface {
	Name() string
	Send(ctx context.Context, a protocol.Anomaly) error
}

// DefaultAlertTimeout bounds one Trigger call across all sinks
const DefaultAlertTimeout = 5 * time.Second

// AlertManager fans anomalies out to its sinks. Each (anomaly, sink) pair
// is dispatched independently; failures are logged, never returned.
type AlertManager struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger
}

// NewAlertManager creates a manager for the given sinks
func NewAlertManager(log *zap.Logger, sinks ...Sink) *AlertManager {
	return &AlertManager{sinks: sinks, timeout: DefaultAlertTimeout, log: logging.OrNop(log)}
}

// WithTimeout sets the deadline shared by all dispatches of one Trigger
func (m *AlertManager) WithTimeout(d time.Duration) *AlertManager {
	if d > 0 {
		m.timeout = d
	}
	return m
}

// Trigger delivers every anomaly to every sink. Once the deadline passes,
// remaining dispatches see a cancelled context.
func (m *AlertManager) Trigger(ctx context.Context, anomalies []protocol.Anomaly) {
	if len(anomalies) == 0 || len(m.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, a := range anomalies {
		for _, s := range m.sinks {
			if err := m.dispatch(ctx, s, a); err != nil {
				metrics.AlertFailures.WithLabelValues(s.Name()).Inc()
				m.log.Warn("alert dispatch failed",
					zap.String("sink", s.Name()),
					zap.String("anomaly", string(a.Type)),
					zap.Error(err))
			}
		}
	}
}

func (m *AlertManager) dispatch(ctx context.Context, s Sink, a protocol.Anomaly) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.Send(ctx, a)
}

// LogSink writes each anomaly as a warning
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink writing to log
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: logging.OrNop(log)}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a protocol.Anomaly) error {
	s.log.Warn("anomaly detected",
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.Any("evidence", a.Evidence))
	return nil
}
