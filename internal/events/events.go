// Package events implements the SQLite-backed lifecycle event journal.
// Every tunnel state transition (created, started, crashed, restarted, ...)
// is appended here for operator inspection; journal failures are logged by
// callers and never fail the operation that produced the event.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event kinds recorded by the orchestrator and supervisor.
const (
	KindCreated        = "created"
	KindStarted        = "started"
	KindStopped        = "stopped"
	KindCrashed        = "crashed"
	KindRestarted      = "restarted"
	KindRestartLimit   = "restart_limit"
	KindIngressUpdated = "ingress_updated"
	KindProvisioned    = "provisioned"
	KindDeleted        = "deleted"
)

// Event is one recorded lifecycle transition.
type Event struct {
	ID        string    `json:"id"`
	TunnelID  string    `json:"tunnelId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps the SQLite journal database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path, runs migrations, and enables
// WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tunnel ON events (tunnel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created ON events (created_at);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate events schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one event.
func (s *Store) Record(ctx context.Context, tunnelID, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, tunnel_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), tunnelID, kind, detail, time.Now().UTC())
	return err
}

// ListForTunnel returns up to limit events for a tunnel, newest first.
func (s *Store) ListForTunnel(ctx context.Context, tunnelID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tunnel_id, kind, detail, created_at
FROM events
WHERE tunnel_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, tunnelID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TunnelID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes events past the retention horizon; called by the
// serve janitor.
func (s *Store) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
