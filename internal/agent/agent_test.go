// internal/agent/agent_test.go
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/vigil/internal/anomaly"
	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/protocol"
)

func testEvent(typ string) protocol.Event {
	return protocol.Event{Type: typ, Category: "test", Status: "ok"}
}

func TestTrackStampsTimestamp(t *testing.T) {
	a := newTestAgent(t, 10)
	before := time.Now().UTC()
	require.True(t, a.Track(testEvent("  log ")))

	queued := a.Queue().Flush()
	require.Len(t, queued, 1)
	assert.Equal(t, "log", queued[0].Event.Type)
	assert.False(t, queued[0].Event.Timestamp.Before(before))
}

func TestTrackKeepsCallerTimestamp(t *testing.T) {
	a := newTestAgent(t, 10)
	ts := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	e := testEvent("log")
	e.Timestamp = ts
	a.Track(e)

	queued := a.Queue().Flush()
	require.Len(t, queued, 1)
	assert.True(t, queued[0].Event.Timestamp.Equal(ts))
}

func TestAgentWithoutDetection(t *testing.T) {
	var batch protocol.Batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
	}))
	defer server.Close()

	cfg := &config.AgentConfig{CollectorURL: server.URL, Project: "p", APIKey: "k", APISecret: "s"}
	cfg.ApplyDefaults()
	a := New(cfg, nil)

	for i := 0; i < 20; i++ {
		a.Track(testEvent(anomaly.EventException))
	}
	res, err := a.Sender().Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Empty(t, batch.Meta.Anomalies, "detection is off")
	assert.Equal(t, 20, a.Metrics().EventCounts()[anomaly.EventException], "metrics still tracked")
}

func TestAgentAlertsWebhook(t *testing.T) {
	var alerts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hook", r.Header.Get("Authorization"))
		alerts.Add(1)
	}))
	defer hook.Close()

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer collector.Close()

	cfg := &config.AgentConfig{
		CollectorURL:  collector.URL,
		Project:       "p",
		APIKey:        "k",
		APISecret:     "s",
		Features:      config.Features{AnomalyDetection: true},
		AlertWebhooks: []config.Webhook{{URL: hook.URL, Token: "hook"}},
	}
	cfg.ApplyDefaults()
	a := New(cfg, nil)

	for i := 0; i < 4; i++ {
		a.Track(testEvent(anomaly.EventDependencyError))
	}
	res, err := a.Sender().Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, protocol.DependencyFailure, res.Anomalies[0].Type)
	assert.Equal(t, int32(1), alerts.Load())
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	cfg := &config.AgentConfig{
		CollectorURL:  server.URL,
		Project:       "p",
		APIKey:        "k",
		APISecret:     "s",
		FlushInterval: 20 * time.Millisecond,
	}
	cfg.ApplyDefaults()
	a := New(cfg, nil)
	a.Track(testEvent("log"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentRunReportsIntakeFailure(t *testing.T) {
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer busy.Close()

	cfg := &config.AgentConfig{
		CollectorURL: busy.URL,
		Project:      "p",
		APIKey:       "k",
		IntakeAddr:   busy.Listener.Addr().String(),
	}
	cfg.ApplyDefaults()
	a := New(cfg, nil)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "intake server")
	case <-time.After(5 * time.Second):
		t.Fatal("agent kept running without its intake")
	}
}
