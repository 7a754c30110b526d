package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ismaiel54/order-bridge/internal/executor"
)

// Outbox durably queues OrderResults for the reporting sink. Appending is
// local and cheap, so order execution never blocks on Kafka; the Publisher
// drains the queue in the background. Outbox satisfies executor.ResultSink.
type Outbox struct {
	db *sql.DB
}

// OutboxEvent is one queued result
type OutboxEvent struct {
	ID                  int64
	EventID             string
	CorrelationID       string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// OpenOutbox creates or opens the result outbox
func OpenOutbox(path string) (*Outbox, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	o := &Outbox{db: db}
	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return o, nil
}

func (o *Outbox) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS outbox_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			correlation_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_results(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := o.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// PublishResult appends a result to the outbox
func (o *Outbox) PublishResult(ctx context.Context, result executor.OrderResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal order result: %w", err)
	}

	_, err = o.db.ExecContext(ctx,
		`INSERT INTO outbox_results (event_id, correlation_id, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, NULL)`,
		uuid.New().String(), result.CorrelationID, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append outbox result: %w", err)
	}
	return nil
}

// ListUnpublished returns queued results not yet delivered
func (o *Outbox) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, event_id, correlation_id, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_results
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished results: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.CorrelationID, &e.PayloadJSON,
			&e.CreatedUnixMillis, &e.PublishedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// MarkPublished marks a result as delivered
func (o *Outbox) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := o.db.ExecContext(ctx,
		"UPDATE outbox_results SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark result as published: %w", err)
	}
	return nil
}

// Close closes the database connection
func (o *Outbox) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}
