// Package sqlstore persists hub state in SQLite: the settlement journal, the
// inbound delivery log and the relay receipts.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding hub tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
            intent_id TEXT PRIMARY KEY,
            user_address TEXT NOT NULL,
            asset TEXT NOT NULL,
            amount TEXT NOT NULL,
            origin INTEGER NOT NULL,
            state TEXT NOT NULL,
            message_id TEXT NOT NULL DEFAULT '',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS settlements_state_idx ON settlements(state, created_at);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            digest TEXT NOT NULL,
            source_domain INTEGER NOT NULL,
            source_address TEXT NOT NULL,
            intent_id TEXT NOT NULL DEFAULT '',
            action TEXT NOT NULL,
            user_address TEXT NOT NULL DEFAULT '',
            asset TEXT NOT NULL DEFAULT '',
            amount TEXT NOT NULL DEFAULT '0',
            outcome TEXT NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            received_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS deliveries_intent_idx ON deliveries(intent_id);`,
		`CREATE TABLE IF NOT EXISTS relay_receipts (
            message_id TEXT PRIMARY KEY,
            delivered_at INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: apply schema: %w", err)
		}
	}
	return nil
}
