// internal/collector/db_test.go
package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/protocol"
)

func sampleBatch(apiKey, batchID string) *protocol.StoredBatch {
	return &protocol.StoredBatch{
		BatchID:    batchID,
		APIKey:     apiKey,
		ClientIP:   "127.0.0.1",
		Project:    "shop",
		Env:        "prod",
		EventCount: 2,
		Anomalies: []protocol.Anomaly{
			{Type: protocol.LatencySpike, Severity: protocol.SeverityMedium, Evidence: map[string]any{"avg_latency_ms": 650.0}},
		},
		Payload:    []byte(`{"batch_meta":{"event_count":2},"events":[]}`),
		ReceivedAt: time.Date(2026, 10, 17, 12, 30, 0, 0, time.UTC),
	}
}

// storeContract runs the same checks against every Store implementation
func storeContract(t *testing.T, store Store, apiKey string) {
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	b := sampleBatch(apiKey, "batch-1")
	inserted, err := store.InsertBatch(ctx, b)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, b.ID)

	// Same batch_id from the same key is stored once
	inserted, err = store.InsertBatch(ctx, sampleBatch(apiKey, "batch-1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	// Batches without an id never collide
	for i := 0; i < 2; i++ {
		inserted, err = store.InsertBatch(ctx, sampleBatch(apiKey, ""))
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	// Other keys may reuse ids
	inserted, err = store.InsertBatch(ctx, sampleBatch(apiKey+"-other", "batch-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := store.RecentBatches(ctx, apiKey, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "", got[0].BatchID, "newest first")
	oldest := got[2]
	assert.Equal(t, "batch-1", oldest.BatchID)
	assert.Equal(t, "shop", oldest.Project)
	assert.Equal(t, "prod", oldest.Env)
	assert.Equal(t, 2, oldest.EventCount)
	assert.Equal(t, "127.0.0.1", oldest.ClientIP)
	require.Len(t, oldest.Anomalies, 1)
	assert.Equal(t, protocol.LatencySpike, oldest.Anomalies[0].Type)
	assert.True(t, oldest.ReceivedAt.Equal(b.ReceivedAt))
	assert.JSONEq(t, string(b.Payload), string(oldest.Payload))

	limited, err := store.RecentBatches(ctx, apiKey, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	storeContract(t, db, "demo-key")
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(context.Background(), config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "o.db")})
	require.NoError(t, err)
	assert.IsType(t, &DB{}, store)
	store.Close()

	_, err = OpenStore(context.Background(), config.DBConfig{Driver: "mysql"})
	assert.Error(t, err)
}

// Set VIGIL_TEST_POSTGRES_URL to run against a real database
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("VIGIL_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("VIGIL_TEST_POSTGRES_URL not set")
	}

	store, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer store.Close()

	storeContract(t, store, "pg-"+uuid.NewString())
}

func TestSQLiteRecentBatchesReportsCorruptRows(t *testing.T) {
	tests := []struct {
		name      string
		anomalies string
		received  string
		wantErr   string
	}{
		{"bad anomalies", `{not json`, "2026-10-17T12:00:00Z", "anomalies"},
		{"bad received_at", `[]`, "yesterday", "received_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			defer db.Close()

			_, err = db.db.Exec(`
				INSERT INTO batches (batch_id, api_key, event_count, anomalies, payload, received_at)
				VALUES ('b-1', 'k', 1, ?, '{}', ?)
			`, tt.anomalies, tt.received)
			require.NoError(t, err)

			_, err = db.RecentBatches(context.Background(), "k", 10)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
