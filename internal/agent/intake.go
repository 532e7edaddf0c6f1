// internal/agent/intake.go
package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalnine/vigil/internal/anomaly"
	"github.com/signalnine/vigil/internal/protocol"
)

// MaxIntakeBytes caps one POST /events body
const MaxIntakeBytes = 1 << 20

// NewIntakeRouter serves the local event intake. Applications running next
// to the agent POST a single event or an array of events.
func NewIntakeRouter(a *Agent) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/events", func(c *gin.Context) { handleEvents(c, a) })
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"queued":  a.queue.Len(),
			"dropped": a.queue.Dropped(),
			"state":   a.sender.State().String(),
		})
	})
	r.GET("/patterns", func(c *gin.Context) { handlePatterns(c, a) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func handleEvents(c *gin.Context, a *Agent) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxIntakeBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > MaxIntakeBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	for _, e := range events {
		if strings.TrimSpace(e.Type) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event type is required"})
			return
		}
	}

	accepted := 0
	for _, e := range events {
		if a.Track(e) {
			accepted++
		}
	}
	if accepted < len(events) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "queue full",
			"accepted": accepted,
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

type patternView struct {
	At        time.Time         `json:"at"`
	EventType string            `json:"event_type,omitempty"`
	Message   string            `json:"message,omitempty"`
	Anomaly   *protocol.Anomaly `json:"anomaly,omitempty"`
}

// handlePatterns lists the newest pattern history entries, oldest first
func handlePatterns(c *gin.Context, a *Agent) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	var history *anomaly.PatternHistory
	if a.engine != nil {
		history = a.engine.History()
	}
	entries := history.Recent(limit)
	out := make([]patternView, len(entries))
	for i, e := range entries {
		out[i] = patternView{At: e.At, EventType: e.EventType, Message: e.Message, Anomaly: e.Anomaly}
	}
	c.JSON(http.StatusOK, gin.H{"patterns": out})
}

// decodeEvents accepts either one event object or an array of them
func decodeEvents(body []byte) ([]protocol.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []protocol.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var e protocol.Event
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return nil, err
	}
	return []protocol.Event{e}, nil
}
