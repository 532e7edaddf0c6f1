// internal/agent/sender.go
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/anomaly"
	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/metrics"
	"github.com/signalnine/vigil/internal/protocol"
)

var (
	// ErrFlushInFlight is returned when a flush is requested while another
	// is still delivering
	ErrFlushInFlight = errors.New("flush already in flight")

	// ErrBatchDropped means every delivery attempt failed and the batch was
	// discarded
	ErrBatchDropped = errors.New("batch dropped after exhausting retries")
)

// State is the sender's position in the flush cycle
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateAnnotating
	StateSigning
	StateDelivering
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateAnnotating:
		return "annotating"
	case StateSigning:
		return "signing"
	case StateDelivering:
		return "delivering"
	case StateRetrying:
		return "retrying"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome is how a flush ended
type Outcome string

const (
	OutcomeEmpty     Outcome = "empty"
	OutcomeNoSecret  Outcome = "skipped"
	OutcomeDelivered Outcome = "delivered"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDropped   Outcome = "dropped"
)

// FlushResult describes one flush cycle
type FlushResult struct {
	BatchID    string
	Events     int
	Anomalies  []protocol.Anomaly
	Attempts   int
	StatusCode int
	Outcome    Outcome
}

// Drainer hands over everything queued so far
type Drainer interface {
	Flush() []protocol.Envelope
}

// Sender drains the queue on a fixed interval and delivers signed batches
type Sender struct {
	cfg    *config.AgentConfig
	queue  Drainer
	store  *anomaly.MetricsStore
	engine *anomaly.Engine
	client *http.Client
	log    *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	flushMu sync.Mutex
	state   atomic.Int32
}

// SenderOption customizes a Sender
type SenderOption func(*Sender)

// WithClock replaces time.Now for timestamps
func WithClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// WithSleep replaces the backoff wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) SenderOption {
	return func(s *Sender) { s.sleep = sleep }
}

// WithHTTPClient replaces the delivery client
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// NewSender creates a sender. engine may be nil to disable annotation.
func NewSender(cfg *config.AgentConfig, q Drainer, store *anomaly.MetricsStore, engine *anomaly.Engine, log *zap.Logger, opts ...SenderOption) *Sender {
	transport := &http.Transport{}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	s := &Sender{
		cfg:    cfg,
		queue:  q,
		store:  store,
		engine: engine,
		log:    logging.OrNop(log),
		now:    time.Now,
		sleep:  sleepCtx,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports where the sender currently is in its cycle
func (s *Sender) State() State {
	return State(s.state.Load())
}

func (s *Sender) setState(st State) {
	s.state.Store(int32(st))
}

// Backoff returns the wait after a failed attempt: base * 2^attempt
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<attempt)
}

// Run flushes on every tick until ctx is cancelled
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("sender starting",
		zap.String("collector", s.cfg.CollectorURL),
		zap.Duration("interval", s.cfg.FlushInterval))

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sender shutting down")
			return nil
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				s.log.Warn("flush failed", zap.Error(err))
			}
		}
	}
}

// Flush runs one full cycle: drain, annotate, sign, deliver. It refuses to
// start while a previous cycle is still in flight.
func (s *Sender) Flush(ctx context.Context) (FlushResult, error) {
	if !s.flushMu.TryLock() {
		metrics.FlushesSkipped.Inc()
		return FlushResult{}, ErrFlushInFlight
	}
	defer s.flushMu.Unlock()
	defer s.setState(StateIdle)

	s.setState(StateDraining)
	batch := s.queue.Flush()
	if len(batch) == 0 {
		return FlushResult{Outcome: OutcomeEmpty}, nil
	}
	result := FlushResult{Events: len(batch)}

	if s.cfg.APISecret == "" {
		s.log.Warn("no api secret configured, batch not sent", zap.Int("events", len(batch)))
		metrics.BatchesTotal.WithLabelValues(string(OutcomeNoSecret)).Inc()
		result.Outcome = OutcomeNoSecret
		return result, nil
	}

	s.setState(StateAnnotating)
	result.Anomalies = s.annotate(ctx, batch)

	s.setState(StateSigning)
	result.BatchID = uuid.NewString()
	body, err := s.buildBody(result.BatchID, batch, result.Anomalies)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues(string(OutcomeDropped)).Inc()
		result.Outcome = OutcomeDropped
		return result, fmt.Errorf("build batch: %w", err)
	}

	err = s.deliver(ctx, body, &result)
	metrics.BatchesTotal.WithLabelValues(string(result.Outcome)).Inc()
	return result, err
}

// annotate feeds the batch into the metrics and runs detection. Any panic
// is treated as "no anomalies"; the batch is sent regardless.
func (s *Sender) annotate(ctx context.Context, batch []protocol.Envelope) (anomalies []protocol.Anomaly) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("anomaly detection panicked, sending batch without anomalies",
				zap.Any("panic", p))
			anomalies = nil
		}
	}()

	for _, env := range batch {
		if s.store != nil {
			s.store.Ingest(env.Event)
		}
		if s.engine != nil {
			s.engine.Observe(env.Event)
		}
	}
	if s.engine == nil {
		return nil
	}
	return s.engine.Run(ctx)
}

func (s *Sender) buildBody(batchID string, batch []protocol.Envelope, anomalies []protocol.Anomaly) ([]byte, error) {
	payload := protocol.Batch{
		Meta: protocol.BatchMeta{
			BatchID:       batchID,
			SDKVersion:    s.cfg.SDKVersion,
			SchemaVersion: s.cfg.SchemaVersion,
			SentAt:        protocol.FormatTimestamp(s.now()),
			EventCount:    len(batch),
			Project:       s.cfg.Project,
			Environment:   s.cfg.Environment,
			Anomalies:     anomalies,
		},
		Events: batch,
	}
	return protocol.MarshalCanonical(payload)
}

// deliver posts body up to RetryLimit times. Any status below 500 ends the
// cycle; 5xx and transport errors back off and retry.
func (s *Sender) deliver(ctx context.Context, body []byte, result *FlushResult) error {
	for attempt := 0; attempt < s.cfg.RetryLimit; attempt++ {
		if attempt == 0 {
			s.setState(StateDelivering)
		} else {
			s.setState(StateRetrying)
		}

		status, err := s.post(ctx, body)
		result.Attempts++

		if err == nil && status < http.StatusInternalServerError {
			result.StatusCode = status
			if status >= http.StatusBadRequest {
				metrics.DeliveryAttempts.WithLabelValues("rejected").Inc()
				s.log.Warn("batch rejected by collector, not retrying",
					zap.String("batch_id", result.BatchID),
					zap.Int("status", status))
				result.Outcome = OutcomeRejected
				return nil
			}
			metrics.DeliveryAttempts.WithLabelValues("accepted").Inc()
			s.log.Info("batch delivered",
				zap.String("batch_id", result.BatchID),
				zap.Int("events", result.Events),
				zap.Int("anomalies", len(result.Anomalies)),
				zap.Int("attempts", result.Attempts))
			result.Outcome = OutcomeDelivered
			return nil
		}

		wait := Backoff(s.cfg.BaseBackoff, attempt)
		if err != nil {
			metrics.DeliveryAttempts.WithLabelValues("transport_error").Inc()
			s.log.Warn("delivery attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(err))
		} else {
			metrics.DeliveryAttempts.WithLabelValues("server_error").Inc()
			result.StatusCode = status
			s.log.Warn("collector error",
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
				zap.Duration("backoff", wait))
		}

		if err := s.sleep(ctx, wait); err != nil {
			result.Outcome = OutcomeDropped
			return fmt.Errorf("%w: %v", ErrBatchDropped, err)
		}
	}

	result.Outcome = OutcomeDropped
	s.log.Error("dropping batch",
		zap.String("batch_id", result.BatchID),
		zap.Int("events", result.Events),
		zap.Int("attempts", result.Attempts))
	return ErrBatchDropped
}

func (s *Sender) post(ctx context.Context, body []byte) (int, error) {
	timestamp := protocol.FormatTimestamp(s.now())
	signature := protocol.Sign(s.cfg.APISecret, timestamp, body)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CollectorURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderAPIKey, s.cfg.APIKey)
	req.Header.Set(protocol.HeaderTimestamp, timestamp)
	req.Header.Set(protocol.HeaderSignature, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
