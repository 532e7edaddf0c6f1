// internal/anomaly/webhook.go
package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/protocol"
)

// ErrWebhookUnavailable indicates every webhook endpoint was unreachable
var ErrWebhookUnavailable = errors.New("all webhook endpoints unavailable")

// Endpoint is one alert receiver in the fallback chain
type Endpoint struct {
	URL   string
	Token string
}

// WebhookAlert is the JSON body posted for each anomaly
type WebhookAlert struct {
	Project     string           `json:"project"`
	Environment string           `json:"environment"`
	DetectedAt  string           `json:"detected_at"`
	Anomaly     protocol.Anomaly `json:"anomaly"`
}

// WebhookSink posts anomalies to the first reachable endpoint
type WebhookSink struct {
	endpoints   []Endpoint
	project     string
	environment string
	client      *http.Client
	log         *zap.Logger
}

// NewWebhookSink creates a sink with a fallback chain of endpoints
func NewWebhookSink(endpoints []Endpoint, project, environment string, log *zap.Logger) *WebhookSink {
	return &WebhookSink{
		endpoints:   endpoints,
		project:     project,
		environment: environment,
		log:         logging.OrNop(log),
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send tries each endpoint in order. It falls through to the next endpoint
// only when the current one is unavailable; any other failure is returned.
func (s *WebhookSink) Send(ctx context.Context, a protocol.Anomaly) error {
	if len(s.endpoints) == 0 {
		return errors.New("no webhook endpoints configured")
	}

	body, err := json.Marshal(WebhookAlert{
		Project:     s.project,
		Environment: s.environment,
		DetectedAt:  protocol.FormatTimestamp(time.Now()),
		Anomaly:     a,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i, ep := range s.endpoints {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrWebhookUnavailable, context.Cause(ctx))
		}
		err := s.post(ctx, ep, body)
		if err == nil {
			if i > 0 {
				s.log.Info("webhook fallback succeeded",
					zap.Int("endpoint", i+1),
					zap.Int("failures", i))
			}
			return nil
		}

		lastErr = err
		var unavailable *unavailableError
		if errors.As(err, &unavailable) {
			s.log.Warn("webhook endpoint unavailable, trying next",
				zap.Int("endpoint", i+1),
				zap.Error(err))
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %v", ErrWebhookUnavailable, lastErr)
}

// unavailableError marks failures worth retrying against another endpoint
type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string { return e.err.Error() }
func (e *unavailableError) Unwrap() error { return e.err }

func (s *WebhookSink) post(ctx context.Context, ep Endpoint, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Connection errors are "unavailable"
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return &unavailableError{fmt.Errorf("connection failed: %w", err)}
		}
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &unavailableError{fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
