// Package sessionstore persists session metadata to SQLite.
//
// The control plane treats durability as write-only: the controller pushes
// partial state snapshots at pause and resume points so a human operator
// (or a later process) can inspect why a session stopped. Nothing in the
// decision path reads this store.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Logger is the structured logging interface for the store.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);`

// =============================================================================
// Store
// =============================================================================

// Store is a SQLite-backed session metadata store.
type Store struct {
	db     *sql.DB
	logger Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// The pure-Go driver handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	if logger != nil {
		logger.Info("session_store_opened", "path", path)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateMetadata merges the partial map into the session's stored metadata,
// creating the session row on first write. Keys present in partial overwrite
// stored keys; absent keys are preserved.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID string, partial map[string]any) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM sessions WHERE id = ?`, sessionID,
	).Scan(&stored)

	merged := make(map[string]any)
	switch {
	case err == nil:
		if uerr := json.Unmarshal([]byte(stored), &merged); uerr != nil {
			// Corrupt rows are replaced rather than wedging every update.
			if s.logger != nil {
				s.logger.Warn("session_metadata_corrupt",
					"session_id", sessionID,
					"error", uerr.Error(),
				)
			}
			merged = make(map[string]any)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	for k, v := range partial {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			metadata   = excluded.metadata`,
		sessionID, now, now, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sessionID, err)
	}

	return tx.Commit()
}

// GetMetadata returns the stored metadata for a session.
func (s *Store) GetMetadata(ctx context.Context, sessionID string) (map[string]any, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM sessions WHERE id = ?`, sessionID,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	meta := make(map[string]any)
	if err := json.Unmarshal([]byte(stored), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return meta, nil
}

// ListSessions returns all session IDs ordered by most recent update.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
