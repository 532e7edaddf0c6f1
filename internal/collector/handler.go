// internal/collector/handler.go
package collector

import (
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/logging"
	"github.com/signalnine/vigil/internal/metrics"
	"github.com/signalnine/vigil/internal/protocol"
)

// IngestHandler accepts signed batches from agents
type IngestHandler struct {
	verifier        *Verifier
	store           Store
	maxPayloadBytes int64
	now             func() time.Time
	log             *zap.Logger
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(verifier *Verifier, store Store, maxPayloadBytes int64, log *zap.Logger) *IngestHandler {
	return &IngestHandler{
		verifier:        verifier,
		store:           store,
		maxPayloadBytes: maxPayloadBytes,
		now:             time.Now,
		log:             logging.OrNop(log),
	}
}

// Ingest handles POST /api/logs
func (h *IngestHandler) Ingest(c *gin.Context) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	if c.Request.ContentLength > h.maxPayloadBytes {
		h.reject(c, ErrPayloadTooLarge, nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxPayloadBytes+1))
	if err != nil {
		h.reject(c, ErrInvalidJSON, nil)
		return
	}
	if int64(len(body)) > h.maxPayloadBytes {
		h.reject(c, ErrPayloadTooLarge, nil)
		return
	}

	clientIP, _ := netip.ParseAddr(c.ClientIP())
	req := Request{
		APIKey:    c.GetHeader(protocol.HeaderAPIKey),
		Timestamp: c.GetHeader(protocol.HeaderTimestamp),
		Signature: c.GetHeader(protocol.HeaderSignature),
		ClientIP:  clientIP,
		Body:      body,
	}

	v, err := h.verifier.Verify(c.Request.Context(), req)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			h.reject(c, rej, &req)
			return
		}
		metrics.IngestRequests.WithLabelValues("error").Inc()
		h.log.Error("verification backend failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	meta := v.Batch.Meta
	stored := &protocol.StoredBatch{
		BatchID:    meta.BatchID,
		APIKey:     v.Key.Key,
		ClientIP:   c.ClientIP(),
		Project:    meta.Project,
		Env:        meta.Environment,
		EventCount: len(v.Batch.Events),
		Anomalies:  meta.Anomalies,
		Payload:    v.Canonical,
		ReceivedAt: h.now().UTC(),
	}

	inserted, err := h.store.InsertBatch(c.Request.Context(), stored)
	if err != nil {
		metrics.IngestRequests.WithLabelValues("store_error").Inc()
		h.log.Error("persist batch failed",
			zap.String("batch_id", meta.BatchID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist batch"})
		return
	}

	metrics.IngestRequests.WithLabelValues("accepted").Inc()
	metrics.EventsAccepted.Add(float64(stored.EventCount))

	fields := []zap.Field{
		zap.String("api_key", maskKey(v.Key.Key)),
		zap.String("batch_id", meta.BatchID),
		zap.String("project", meta.Project),
		zap.String("environment", meta.Environment),
		zap.Int("events", stored.EventCount),
		zap.Bool("duplicate", !inserted),
	}
	if len(meta.Anomalies) > 0 {
		types := make([]string, len(meta.Anomalies))
		for i, a := range meta.Anomalies {
			types[i] = string(a.Type)
		}
		h.log.Warn("batch received with anomalies", append(fields, zap.Strings("anomalies", types))...)
	} else {
		h.log.Info("batch received", fields...)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "received",
		"batch_id":  meta.BatchID,
		"duplicate": !inserted,
	})
}

func (h *IngestHandler) reject(c *gin.Context, rej *RejectError, req *Request) {
	metrics.IngestRequests.WithLabelValues(rej.Code).Inc()
	fields := []zap.Field{
		zap.String("reason", rej.Reason),
		zap.Int("status", rej.Status),
		zap.String("client_ip", c.ClientIP()),
	}
	if req != nil {
		fields = append(fields, zap.String("api_key", maskKey(req.APIKey)))
	}
	h.log.Warn("batch rejected", fields...)
	c.AbortWithStatusJSON(rej.Status, gin.H{"error": rej.Reason})
}

// Batches handles GET /api/batches: the caller's own recent batches,
// authenticated by API key and allow-list
func (h *IngestHandler) Batches(c *gin.Context) {
	rec, ok := h.verifier.Lookup(c.GetHeader(protocol.HeaderAPIKey))
	if !ok {
		c.JSON(ErrInvalidAPIKey.Status, gin.H{"error": ErrInvalidAPIKey.Reason})
		return
	}
	clientIP, _ := netip.ParseAddr(c.ClientIP())
	if !rec.Allows(clientIP) {
		c.JSON(ErrIPNotAllowed.Status, gin.H{"error": ErrIPNotAllowed.Reason})
		return
	}

	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	batches, err := h.store.RecentBatches(c.Request.Context(), rec.Key, limit)
	if err != nil {
		h.log.Error("query batches failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if batches == nil {
		batches = []protocol.StoredBatch{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}
