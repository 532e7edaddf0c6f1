// internal/collector/postgres.go
package collector

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalnine/vigil/internal/protocol"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps batches in Postgres, for collectors that run as
// several replicas
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, fails fast if the database is unreachable and
// applies the schema
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) InsertBatch(ctx context.Context, b *protocol.StoredBatch) (bool, error) {
	anomalies := b.Anomalies
	if anomalies == nil {
		anomalies = []protocol.Anomaly{}
	}
	anomaliesJSON, err := json.Marshal(anomalies)
	if err != nil {
		return false, err
	}

	var batchID *string
	if b.BatchID != "" {
		batchID = &b.BatchID
	}

	// RETURNING yields no row when the batch was already stored
	err = p.pool.QueryRow(ctx, `
		INSERT INTO batches (batch_id, api_key, client_ip, project, environment, event_count, anomalies, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (api_key, batch_id) DO NOTHING
		RETURNING id
	`, batchID, b.APIKey, b.ClientIP, b.Project, b.Env, b.EventCount,
		string(anomaliesJSON), string(b.Payload), b.ReceivedAt.UTC()).Scan(&b.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) RecentBatches(ctx context.Context, apiKey string, limit int) ([]protocol.StoredBatch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(batch_id, ''), api_key, COALESCE(client_ip, ''), COALESCE(project, ''),
		       COALESCE(environment, ''), event_count, anomalies::text, payload::text, received_at
		FROM batches
		WHERE api_key = $1
		ORDER BY id DESC
		LIMIT $2
	`, apiKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []protocol.StoredBatch
	for rows.Next() {
		var b protocol.StoredBatch
		var anomaliesJSON, payload string
		err := rows.Scan(&b.ID, &b.BatchID, &b.APIKey, &b.ClientIP, &b.Project, &b.Env,
			&b.EventCount, &anomaliesJSON, &payload, &b.ReceivedAt)
		if err != nil {
			return nil, err
		}
		b.Payload = []byte(payload)
		if err := json.Unmarshal([]byte(anomaliesJSON), &b.Anomalies); err != nil {
			return nil, fmt.Errorf("batch row %d: anomalies: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
