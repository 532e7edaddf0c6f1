// internal/collector/db.go
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/protocol"
)

// Store persists accepted batches
type Store interface {
	// InsertBatch returns false when the same key already stored this
	// batch_id
	InsertBatch(ctx context.Context, b *protocol.StoredBatch) (bool, error)
	RecentBatches(ctx context.Context, apiKey string, limit int) ([]protocol.StoredBatch, error)
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore opens the backend named in cfg
func OpenStore(ctx context.Context, cfg config.DBConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewDB(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.URL)
	}
	return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
}

// DB wraps SQLite connection
type DB struct {
	db *sql.DB
}

// NewDB opens or creates the SQLite database
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT,
		api_key TEXT NOT NULL,
		client_ip TEXT,
		project TEXT,
		environment TEXT,
		event_count INTEGER NOT NULL,
		anomalies TEXT,
		payload TEXT NOT NULL,
		received_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_key_batch ON batches(api_key, batch_id);
	CREATE INDEX IF NOT EXISTS idx_batches_received ON batches(received_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// InsertBatch stores an accepted batch
func (d *DB) InsertBatch(ctx context.Context, b *protocol.StoredBatch) (bool, error) {
	anomaliesJSON, err := json.Marshal(b.Anomalies)
	if err != nil {
		return false, err
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, api_key, client_ip, project, environment, event_count, anomalies, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, nullString(b.BatchID), b.APIKey, b.ClientIP, b.Project, b.Env, b.EventCount,
		string(anomaliesJSON), string(b.Payload), b.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	b.ID, _ = res.LastInsertId()
	return true, nil
}

// RecentBatches returns the newest batches sent with apiKey
func (d *DB) RecentBatches(ctx context.Context, apiKey string, limit int) ([]protocol.StoredBatch, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, batch_id, api_key, client_ip, project, environment, event_count, anomalies, payload, received_at
		FROM batches
		WHERE api_key = ?
		ORDER BY id DESC
		LIMIT ?
	`, apiKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []protocol.StoredBatch
	for rows.Next() {
		var b protocol.StoredBatch
		var batchID, clientIP, project, env, anomaliesJSON sql.NullString
		var payload, receivedStr string

		err := rows.Scan(&b.ID, &batchID, &b.APIKey, &clientIP, &project, &env,
			&b.EventCount, &anomaliesJSON, &payload, &receivedStr)
		if err != nil {
			return nil, err
		}

		b.BatchID = batchID.String
		b.ClientIP = clientIP.String
		b.Project = project.String
		b.Env = env.String
		b.Payload = []byte(payload)
		b.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedStr)
		if err != nil {
			return nil, fmt.Errorf("batch row %d: received_at: %w", b.ID, err)
		}
		if anomaliesJSON.Valid {
			if err := json.Unmarshal([]byte(anomaliesJSON.String), &b.Anomalies); err != nil {
				return nil, fmt.Errorf("batch row %d: anomalies: %w", b.ID, err)
			}
		}

		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
