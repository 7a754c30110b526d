package dedupe

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// Store remembers the response for every order correlation id the agent has
// already answered, so a retried delivery echoes the first result instead of
// producing a second fill. Entries expire after the configured TTL; keeping
// them on disk means a restarted agent still refuses to double-fill.
type Store struct {
	db *sql.DB
}

// Open creates or opens the dedupe store
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

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS seen_requests (
			correlation_id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			response_json TEXT NOT NULL,
			first_seen_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_seen_first_seen
			ON seen_requests(first_seen_unix_millis)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// Lookup returns the recorded response for a correlation id, if any
func (s *Store) Lookup(ctx context.Context, correlationID string) (*protocol.Response, bool, error) {
	var responseJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT response_json FROM seen_requests WHERE correlation_id = ?",
		correlationID,
	).Scan(&responseJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up correlation id: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal([]byte(responseJSON), &resp); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal recorded response: %w", err)
	}
	return &resp, true, nil
}

// Record stores the response for a correlation id. A concurrent insert of
// the same id keeps the first record.
func (s *Store) Record(ctx context.Context, correlationID string, action protocol.Action, resp *protocol.Response) error {
	responseJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_requests (correlation_id, action, response_json, first_seen_unix_millis)
		 VALUES (?, ?, ?, ?)`,
		correlationID, string(action), string(responseJSON), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	return nil
}

// PurgeBefore deletes entries first seen before the cutoff and returns the
// number removed
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM seen_requests WHERE first_seen_unix_millis < ?",
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

// RunPurge expires old entries on a timer until ctx is cancelled
func (s *Store) RunPurge(ctx context.Context, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.PurgeBefore(ctx, time.Now().Add(-ttl)); err != nil {
				return err
			}
		}
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
