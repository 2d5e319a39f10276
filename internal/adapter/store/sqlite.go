// Package store persists actor state. SQLiteStore is the durable backend;
// MemoryStore serves tests and ephemeral deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"forgeline/internal/domain"
)

// SQLiteStore implements domain.StateStore using SQLite. State is stored as
// JSON keyed by (namespace, actor id, jurisdiction).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// A single writer connection keeps SQLite from returning SQLITE_BUSY
	// when many actors persist at once.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS actor_state (
			namespace    TEXT NOT NULL,
			actor_id     TEXT NOT NULL,
			jurisdiction TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (namespace, actor_id, jurisdiction)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements domain.StateStore.
func (s *SQLiteStore) Load(ctx context.Context, key domain.ActorKey) (*domain.AgentState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM actor_state WHERE namespace = ? AND actor_id = ? AND jurisdiction = ?",
		key.Namespace, string(key.ID), string(key.Jurisdiction),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrStateStore, key.ID, err)
	}

	var st domain.AgentState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrStateStore, key.ID, err)
	}
	return &st, nil
}

// Save implements domain.StateStore.
func (s *SQLiteStore) Save(ctx context.Context, key domain.ActorKey, state *domain.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actor_state (namespace, actor_id, jurisdiction, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, actor_id, jurisdiction)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key.Namespace, string(key.ID), string(key.Jurisdiction), string(data),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", domain.ErrStateStore, key.ID, err)
	}
	return nil
}

// Delete implements domain.StateStore. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key domain.ActorKey) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM actor_state WHERE namespace = ? AND actor_id = ? AND jurisdiction = ?",
		key.Namespace, string(key.ID), string(key.Jurisdiction),
	)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrStateStore, key.ID, err)
	}
	return nil
}

// Count returns the number of persisted actors in namespace.
func (s *SQLiteStore) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM actor_state WHERE namespace = ?", namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrStateStore, err)
	}
	return n, nil
}

var _ domain.StateStore = (*SQLiteStore)(nil)
