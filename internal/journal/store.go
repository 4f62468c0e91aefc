// Package journal is the process-local sqlite store backing crash
// recovery: consumer-group cursors, request/trade dedupe keys, and the
// outbox of records awaiting publication.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides cursor persistence, idempotency keys and the outbox.
type Store struct {
	db *sql.DB
}

// OutboxRecord is a record waiting to be published.
type OutboxRecord struct {
	ID                  int64
	EventID             string
	Channel             string
	Key                 string
	Payload             []byte
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Staged is an outbox record persisted in the same transaction as a
// dedupe mark, so a crash can never separate the mark from the records
// it stands for.
type Staged struct {
	EventID string
	Channel string
	Key     string
	Payload []byte
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the necessary tables.
func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cursors (
			channel TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_unix_millis INTEGER NOT NULL,
			PRIMARY KEY (channel, consumer_group)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_requests (
			request_id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			first_seen_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_trades (
			trade_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			applied_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			key TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_records(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// SaveCursor records the last acknowledged sequence for a consumer group.
func (s *Store) SaveCursor(ctx context.Context, channel, group string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (channel, consumer_group, seq, updated_unix_millis)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel, consumer_group) DO UPDATE SET
		   seq = excluded.seq,
		   updated_unix_millis = excluded.updated_unix_millis`,
		channel, group, seq, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the last acknowledged sequence for a consumer group.
func (s *Store) LoadCursor(ctx context.Context, channel, group string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT seq FROM cursors WHERE channel = ? AND consumer_group = ?",
		channel, group,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return seq, true, nil
}

// MarkRequest records a request id and stages the given outbox records
// in one transaction: either the mark and every record land together,
// or none of them do. It reports true when the id was already present;
// nothing is staged for a duplicate.
func (s *Store) MarkRequest(ctx context.Context, requestID, strategyID string, staged []Staged) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_requests
		   (request_id, strategy_id, first_seen_unix_millis)
		 VALUES (?, ?, ?)`,
		requestID, strategyID, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return true, nil
	}

	for _, r := range staged {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO outbox_records
			   (event_id, channel, key, payload, created_unix_millis, published_unix_millis)
			 VALUES (?, ?, ?, ?, ?, NULL)`,
			r.EventID, r.Channel, r.Key, r.Payload, now,
		); err != nil {
			return false, fmt.Errorf("failed to stage outbox record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit request mark: %w", err)
	}
	return false, nil
}

// MarkTrade records a trade id. It reports true when the trade was
// already applied, so the ledger skips it.
func (s *Store) MarkTrade(ctx context.Context, tradeID, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_trades (trade_id, order_id, applied_unix_millis)
		 VALUES (?, ?, ?)`,
		tradeID, orderID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 0, nil
}

// Enqueue inserts an outbox record for the publisher loop to drain.
func (s *Store) Enqueue(ctx context.Context, eventID, channel, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox_records
		   (event_id, channel, key, payload, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		eventID, channel, key, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox record: %w", err)
	}
	return nil
}

// ListUnpublished returns outbox records not yet published, oldest first.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, channel, key, payload, created_unix_millis, published_unix_millis
		 FROM outbox_records
		 WHERE published_unix_millis IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished records: %w", err)
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.Channel, &r.Key, &r.Payload,
			&r.CreatedUnixMillis, &r.PublishedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// MarkPublished marks an outbox record as published.
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_records SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record as published: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
