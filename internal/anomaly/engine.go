// internal/anomaly/engine.go
package anomaly

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/metrics"
	"github.com/signalnine/vigil/internal/protocol"
)

// Engine orchestrates one detection pass: detect, remember, alert.
type Engine struct {
	store   *MetricsStore
	history *PatternHistory
	rules   *RulesEngine
	alerts  *AlertManager
	log     *zap.Logger
}

// NewEngine wires the default detectors over store and history.
// alerts may be nil, in which case anomalies are only returned.
func NewEngine(store *MetricsStore, history *PatternHistory, alerts *AlertManager, log *zap.Logger) *Engine {
	log = logging.OrNop(log)
	if alerts == nil {
		alerts = NewAlertManager(log)
	}
	return &Engine{
		store:   store,
		history: history,
		rules:   NewRulesEngine(store, history, log, DefaultDetectors()...),
		alerts:  alerts,
		log:     log,
	}
}

// Rules exposes the rules engine for registering extra detectors
func (e *Engine) Rules() *RulesEngine { return e.rules }

// History exposes the pattern history
func (e *Engine) History() *PatternHistory { return e.history }

// Observe remembers an event that carries a message, for correlation
func (e *Engine) Observe(ev protocol.Event) {
	msg := ev.Message()
	if msg == "" {
		return
	}
	e.history.Add(PatternEntry{At: e.store.Now(), EventType: ev.Type, Message: msg})
}

// Run performs one detection pass. Metrics are read, never modified.
func (e *Engine) Run(ctx context.Context) []protocol.Anomaly {
	anomalies := e.rules.Detect()
	if len(anomalies) == 0 {
		return nil
	}

	for _, a := range anomalies {
		metrics.AnomaliesDetected.WithLabelValues(string(a.Type)).Inc()
	}
	e.history.AddAnomalies(e.store.Now(), anomalies)
	e.alerts.Trigger(ctx, anomalies)

	e.log.Debug("detection pass complete", zap.Int("anomalies", len(anomalies)))
	return anomalies
}
