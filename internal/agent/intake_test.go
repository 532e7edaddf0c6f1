// internal/agent/intake_test.go
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/protocol"
)

func newTestAgent(t *testing.T, capacity int) *Agent {
	t.Helper()
	cfg := &config.AgentConfig{
		CollectorURL:  "http://127.0.0.1:1/api/logs",
		Project:       "shop",
		APIKey:        "demo-key",
		QueueCapacity: capacity,
		Features:      config.Features{AnomalyDetection: true},
	}
	cfg.ApplyDefaults()
	return New(cfg, nil)
}

func postEvents(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIntakeAcceptsSingleAndArray(t *testing.T) {
	a := newTestAgent(t, 100)
	router := NewIntakeRouter(a)

	rec := postEvents(t, router, `{"type":"LOG","category":"app","data":{"message":"hi"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = postEvents(t, router, `[{"type":"exception"},{"type":"auth_fail","metrics":{"duration_ms":12}}]`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["accepted"])

	queued := a.Queue().Flush()
	require.Len(t, queued, 3)
	assert.Equal(t, "LOG", queued[0].Event.Type)
	assert.False(t, queued[0].Event.Timestamp.IsZero(), "missing timestamps are stamped")
	assert.Equal(t, 12.0, queued[2].Event.Metrics["duration_ms"])
}

func TestIntakeRejectsBadInput(t *testing.T) {
	a := newTestAgent(t, 100)
	router := NewIntakeRouter(a)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"category":"app"}`},
		{"one bad in array", `[{"type":"log"},{"type":""}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postEvents(t, router, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, a.Queue().Len(), "rejected requests queue nothing")
}

func TestIntakeQueueFull(t *testing.T) {
	a := newTestAgent(t, 2)
	router := NewIntakeRouter(a)

	rec := postEvents(t, router, `[{"type":"a"},{"type":"b"},{"type":"c"}]`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 2, a.Queue().Len())
	assert.Equal(t, int64(1), a.Queue().Dropped())
}

func TestIntakeHealth(t *testing.T) {
	a := newTestAgent(t, 10)
	router := NewIntakeRouter(a)
	a.Track(testEvent("log"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["queued"])
	assert.Equal(t, "idle", body["state"])
}

func getPatterns(t *testing.T, h http.Handler, query string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patterns"+query, nil))
	return rec
}

func TestIntakePatternsListsRecentHistory(t *testing.T) {
	a := newTestAgent(t, 100)
	router := NewIntakeRouter(a)

	for i := 0; i < 6; i++ {
		a.engine.Observe(protocol.Event{Type: "log", Data: map[string]any{"message": "db error: timeout"}})
	}
	require.Len(t, a.engine.Run(context.Background()), 2)

	rec := getPatterns(t, router, "?limit=3")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Patterns []struct {
			Message string            `json:"message"`
			Anomaly *protocol.Anomaly `json:"anomaly"`
		} `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Patterns, 3)
	assert.Equal(t, "db error: timeout", resp.Patterns[0].Message)
	require.NotNil(t, resp.Patterns[2].Anomaly)
	assert.Equal(t, protocol.DBIssue, resp.Patterns[2].Anomaly.Type)

	assert.Equal(t, http.StatusBadRequest, getPatterns(t, router, "?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, getPatterns(t, router, "?limit=x").Code)
}

func TestIntakePatternsWithoutDetection(t *testing.T) {
	cfg := &config.AgentConfig{CollectorURL: "http://127.0.0.1:1/api/logs", Project: "shop"}
	cfg.ApplyDefaults()
	a := New(cfg, nil)

	rec := getPatterns(t, NewIntakeRouter(a), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"patterns":[]}`, rec.Body.String())
}
