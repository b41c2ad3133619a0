// Package recency persists small most-recent-first id lists, such as the
// recently used slash commands, across process restarts.
package recency

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultCap bounds a list when no explicit capacity is given.
const DefaultCap = 8

// Store owns the sqlite database the lists live in.
type Store struct {
	db *sql.DB
}

// Open opens the database at dsn and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// A second connection to :memory: would see an empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recents (
			list_name TEXT NOT NULL,
			item_id TEXT NOT NULL,
			touched_at INTEGER NOT NULL,
			PRIMARY KEY (list_name, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recents_order ON recents(list_name, touched_at DESC)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// List returns a handle on the named list. A non-positive capacity means
// DefaultCap.
func (s *Store) List(name string, capacity int) *List {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &List{store: s, name: name, capacity: capacity}
}

// List is one bounded most-recent-first id list.
type List struct {
	store    *Store
	name     string
	capacity int
}

// Touch moves id to the front of the list, inserting it if absent and
// evicting ids beyond the capacity.
func (l *List) Touch(ctx context.Context, id string) error {
	// The per-list sequence keeps ordering stable even when touches land
	// within the same clock tick.
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO recents (list_name, item_id, touched_at)
		VALUES (?, ?, COALESCE((SELECT MAX(touched_at) + 1 FROM recents WHERE list_name = ?), 1))
		ON CONFLICT(list_name, item_id) DO UPDATE SET touched_at = excluded.touched_at
	`, l.name, id, l.name)
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", id, err)
	}

	_, err = l.store.db.ExecContext(ctx, `
		DELETE FROM recents
		WHERE list_name = ? AND item_id NOT IN (
			SELECT item_id FROM recents WHERE list_name = ? ORDER BY touched_at DESC LIMIT ?
		)
	`, l.name, l.name, l.capacity)
	if err != nil {
		return fmt.Errorf("failed to trim list %s: %w", l.name, err)
	}
	return nil
}

// IDs returns the list contents, most recent first.
func (l *List) IDs(ctx context.Context) ([]string, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT item_id FROM recents WHERE list_name = ? ORDER BY touched_at DESC LIMIT ?
	`, l.name, l.capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", l.name, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
