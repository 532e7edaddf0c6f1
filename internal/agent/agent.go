// internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/anomaly"
	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/protocol"
	"github.com/signalnine/vigil/internal/queue"
)

// Agent owns the queue, the detection state and the sender
type Agent struct {
	cfg    *config.AgentConfig
	queue  *queue.Queue
	store  *anomaly.MetricsStore
	engine *anomaly.Engine
	sender *Sender
	log    *zap.Logger
}

// New wires an agent from config. Extra sender options are passed through,
// mostly for tests.
func New(cfg *config.AgentConfig, log *zap.Logger, opts ...SenderOption) *Agent {
	log = logging.OrNop(log)

	q := queue.New(cfg.QueueCapacity)
	store := anomaly.NewMetricsStore(cfg.MetricsWindow, time.Now)

	var engine *anomaly.Engine
	if cfg.Features.AnomalyDetection {
		sinks := []anomaly.Sink{anomaly.NewLogSink(log)}
		if len(cfg.AlertWebhooks) > 0 {
			endpoints := make([]anomaly.Endpoint, 0, len(cfg.AlertWebhooks))
			for _, w := range cfg.AlertWebhooks {
				endpoints = append(endpoints, anomaly.Endpoint{URL: w.URL, Token: w.Token})
			}
			sinks = append(sinks, anomaly.NewWebhookSink(endpoints, cfg.Project, cfg.Environment, log))
		}
		history := anomaly.NewPatternHistory(cfg.HistorySize)
		engine = anomaly.NewEngine(store, history, anomaly.NewAlertManager(log, sinks...), log)
	}

	return &Agent{
		cfg:    cfg,
		queue:  q,
		store:  store,
		engine: engine,
		sender: NewSender(cfg, q, store, engine, log, opts...),
		log:    log,
	}
}

// Track enqueues an event. A zero timestamp is stamped with the current
// time. Returns false when the queue is full.
func (a *Agent) Track(e protocol.Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Type = strings.TrimSpace(e.Type)
	if !a.queue.Push(e) {
		a.log.Warn("queue full, event dropped", zap.String("type", e.Type))
		return false
	}
	return true
}

// Sender exposes the sender, for manual flushes
func (a *Agent) Sender() *Sender { return a.sender }

// Queue exposes the event queue
func (a *Agent) Queue() *queue.Queue { return a.queue }

// Metrics exposes the sliding-window metrics
func (a *Agent) Metrics() *anomaly.MetricsStore { return a.store }

// Run starts the intake listener, if configured, and the sender loop. It
// returns when ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		zap.String("project", a.cfg.Project),
		zap.String("environment", a.cfg.Environment),
		zap.Bool("anomaly_detection", a.engine != nil))

	if a.cfg.APISecret == "" {
		a.log.Warn("VIGIL_API_SECRET not set, batches will not be delivered")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var srv *http.Server
	if a.cfg.IntakeAddr != "" {
		srv = &http.Server{
			Addr:              a.cfg.IntakeAddr,
			Handler:           NewIntakeRouter(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Info("intake listening", zap.String("addr", a.cfg.IntakeAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancel(fmt.Errorf("intake server: %w", err))
			}
		}()
	}

	err := a.sender.Run(runCtx)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.log.Warn("intake shutdown", zap.Error(serr))
		}
	}

	if cause := context.Cause(runCtx); ctx.Err() == nil && cause != nil {
		return cause
	}
	return err
}
