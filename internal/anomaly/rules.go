// internal/anomaly/rules.go
package anomaly

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/metrics"
	"github.com/signalnine/vigil/internal/protocol"
)

// SnapshotSource supplies the metrics a detection pass runs against
type SnapshotSource interface {
	Snapshot() Snapshot
}

// RulesEngine runs the registered detectors over one snapshot
type RulesEngine struct {
	source    SnapshotSource
	history   *PatternHistory
	log       *zap.Logger
	mu        sync.RWMutex
	detectors []Detector
}

// NewRulesEngine creates an engine with the given detectors
func NewRulesEngine(source SnapshotSource, history *PatternHistory, log *zap.Logger, detectors ...Detector) *RulesEngine {
	return &RulesEngine{
		source:    source,
		history:   history,
		log:       logging.OrNop(log),
		detectors: detectors,
	}
}

// Register adds a detector after the existing ones
func (r *RulesEngine) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, d)
}

// Detect runs every detector against one snapshot. A detector that returns
// an error or panics is logged and skipped; the others still run.
func (r *RulesEngine) Detect() []protocol.Anomaly {
	r.mu.RLock()
	detectors := append([]Detector(nil), r.detectors...)
	r.mu.RUnlock()

	snap := r.source.Snapshot()

	var anomalies []protocol.Anomaly
	for _, d := range detectors {
		a, err := r.runOne(d, snap)
		if err != nil {
			metrics.DetectorFailures.WithLabelValues(d.Name()).Inc()
			r.log.Warn("detector failed, skipping",
				zap.String("detector", d.Name()),
				zap.Error(err))
			continue
		}
		if a != nil {
			anomalies = append(anomalies, *a)
		}
	}
	return anomalies
}

func (r *RulesEngine) runOne(d Detector, snap Snapshot) (a *protocol.Anomaly, err error) {
	defer func() {
		if p := recover(); p != nil {
			a, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return d.Detect(snap, r.history)
}
