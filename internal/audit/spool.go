package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Spool persists events whose delivery failed so they can be replayed later
type Spool struct {
	db *sql.DB
}

// OpenSpool opens (creating if needed) the sqlite spool at path
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure spool: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_spool (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize spool schema: %w", err)
	}

	return &Spool{db: db}, nil
}

// Store saves e. Storing an event that is already spooled bumps its attempt
// counter instead of duplicating it.
func (s *Spool) Store(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_spool (id, event_type, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET attempts = attempts + 1`,
		e.ID, string(e.Type), string(payload), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to spool event: %w", err)
	}
	return nil
}

// Pending returns up to limit spooled events, oldest first
func (s *Spool) Pending(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM audit_spool ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query spool: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan spooled event: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode spooled event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Delete removes a delivered event
func (s *Spool) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_spool WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete spooled event: %w", err)
	}
	return nil
}

// Len returns the number of spooled events
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count spool: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *Spool) Close() error {
	return s.db.Close()
}
