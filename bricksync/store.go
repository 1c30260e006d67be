// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CatalogKind discriminates the normalized catalog cache rows.
type CatalogKind string

const (
	KindPart    CatalogKind = "part"
	KindColor   CatalogKind = "color"
	KindSet     CatalogKind = "set"
	KindSetPart CatalogKind = "set_part"
	KindMinifig CatalogKind = "minifig"
)

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("store is closed")

// Store is the persistent local store: a single SQLite database file shared by
// every instance that opens the same data directory. All multi-row mutations go
// through one transaction so partial writes are never observable.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write transactions to avoid SQLite lock contention
	closed  bool
}

// OpenStore opens (or creates) the database at path and initializes the schema.
// Callers must treat an error as "storage unavailable" and degrade to
// memory-only mode rather than aborting.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps transaction semantics simple under mattn/go-sqlite3.
	db.SetMaxOpenConns(1)
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Owned quantities, one row per (set, part+variant). Quantity zero is
		// never stored; the row is deleted instead.
		`CREATE TABLE IF NOT EXISTS owned_parts (
			set_id     TEXT NOT NULL,
			part_key   TEXT NOT NULL,
			quantity   INTEGER NOT NULL CHECK (quantity > 0),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (set_id, part_key)
		)`,

		// Read-through cache of remote catalog data. Never participates in sync.
		`CREATE TABLE IF NOT EXISTS catalog_cache (
			kind      TEXT NOT NULL,
			scope_id  TEXT NOT NULL,
			item_key  TEXT NOT NULL,
			payload   TEXT NOT NULL,
			cached_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (kind, scope_id, item_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_catalog_cache_scope ON catalog_cache (kind, scope_id)`,

		// Durable outbound queue. Rows are removed only on confirmed remote
		// acknowledgement; failures keep the row with retry_count/last_error.
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT NOT NULL,
			target_table TEXT NOT NULL,
			op           TEXT NOT NULL,
			payload      TEXT NOT NULL,
			client_id    TEXT NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_user ON sync_queue (user_id, id)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS recently_viewed (
			item_id   TEXT PRIMARY KEY,
			kind      TEXT NOT NULL,
			payload   TEXT NOT NULL,
			viewed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// --- Owned parts ---

// GetOwnedRows loads every owned row for one set.
func (s *Store) GetOwnedRows(ctx context.Context, setID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT part_key, quantity FROM owned_parts WHERE set_id = ?
	`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to query owned parts: %w", err)
	}
	defer rows.Close()

	owned := make(map[string]int)
	for rows.Next() {
		var key string
		var qty int
		if err := rows.Scan(&key, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan owned part: %w", err)
		}
		owned[key] = qty
	}
	return owned, rows.Err()
}

// ReplaceOwnedForSet atomically replaces all owned rows for one set. Entries
// with quantity <= 0 are dropped rather than stored.
func (s *Store) ReplaceOwnedForSet(ctx context.Context, setID string, owned map[string]int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM owned_parts WHERE set_id = ?`, setID); err != nil {
		return fmt.Errorf("failed to clear owned parts: %w", err)
	}
	for key, qty := range owned {
		if qty <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO owned_parts (set_id, part_key, quantity) VALUES (?, ?, ?)
		`, setID, key, qty); err != nil {
			return fmt.Errorf("failed to insert owned part %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit owned replace: %w", err)
	}
	return nil
}

// OwnedSets lists every set id that has at least one owned row.
func (s *Store) OwnedSets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT set_id FROM owned_parts ORDER BY set_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query owned sets: %w", err)
	}
	defer rows.Close()

	var sets []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan set id: %w", err)
		}
		sets = append(sets, id)
	}
	return sets, rows.Err()
}

// --- Catalog cache ---

// CatalogRow is one normalized cached catalog record.
type CatalogRow struct {
	Kind     CatalogKind
	ScopeID  string
	ItemKey  string
	Payload  json.RawMessage
	CachedAt time.Time
}

// PutCatalogRows replaces all cached rows of one kind under one scope.
func (s *Store) PutCatalogRows(ctx context.Context, kind CatalogKind, scopeID string, rows []CatalogRow) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM catalog_cache WHERE kind = ? AND scope_id = ?
	`, kind, scopeID); err != nil {
		return fmt.Errorf("failed to clear catalog scope: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_cache (kind, scope_id, item_key, payload) VALUES (?, ?, ?, ?)
		`, kind, scopeID, row.ItemKey, string(row.Payload)); err != nil {
			return fmt.Errorf("failed to insert catalog row %s: %w", row.ItemKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog put: %w", err)
	}
	return nil
}

// GetCatalogRows loads all cached rows of one kind under one scope.
func (s *Store) GetCatalogRows(ctx context.Context, kind CatalogKind, scopeID string) ([]CatalogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_key, payload, cached_at FROM catalog_cache WHERE kind = ? AND scope_id = ?
	`, kind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog rows: %w", err)
	}
	defer rows.Close()

	var out []CatalogRow
	for rows.Next() {
		row := CatalogRow{Kind: kind, ScopeID: scopeID}
		var payload, cachedAt string
		if err := rows.Scan(&row.ItemKey, &payload, &cachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		row.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, cachedAt); err == nil {
			row.CachedAt = ts
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CatalogFresh reports whether a cached scope exists and is younger than ttl.
func (s *Store) CatalogFresh(ctx context.Context, kind CatalogKind, scopeID string, ttl time.Duration, now time.Time) (bool, error) {
	var cachedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(cached_at) FROM catalog_cache WHERE kind = ? AND scope_id = ?
	`, kind, scopeID).Scan(&cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query catalog freshness: %w", err)
	}
	if !cachedAt.Valid || cachedAt.String == "" {
		return false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, cachedAt.String)
	if err != nil {
		return false, nil
	}
	return now.Sub(ts) < ttl, nil
}

// InvalidateCatalogScope removes every cached row, of any kind, for one scope.
func (s *Store) InvalidateCatalogScope(ctx context.Context, scopeID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_cache WHERE scope_id = ?`, scopeID); err != nil {
		return fmt.Errorf("failed to invalidate catalog scope: %w", err)
	}
	return nil
}

// --- Meta ---

// GetMeta returns the value for key, or "" and false when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts one meta entry.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes one meta entry.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}
	return nil
}

// --- Recently viewed ---

// RecentItem is one entry of the recently-viewed cache.
type RecentItem struct {
	ItemID   string
	Kind     CatalogKind
	Payload  json.RawMessage
	ViewedAt time.Time
}

const recentlyViewedCap = 50

// PutRecentlyViewed records a viewed item, evicting the oldest entries beyond
// the cap.
func (s *Store) PutRecentlyViewed(ctx context.Context, item RecentItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recently_viewed (item_id, kind, payload) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			viewed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, item.ItemID, item.Kind, string(item.Payload)); err != nil {
		return fmt.Errorf("failed to upsert recently viewed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recently_viewed WHERE item_id NOT IN (
			SELECT item_id FROM recently_viewed ORDER BY viewed_at DESC LIMIT ?
		)
	`, recentlyViewedCap); err != nil {
		return fmt.Errorf("failed to trim recently viewed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recently viewed: %w", err)
	}
	return nil
}

// RecentlyViewed lists the newest entries, most recent first.
func (s *Store) RecentlyViewed(ctx context.Context, limit int) ([]RecentItem, error) {
	if limit <= 0 {
		limit = recentlyViewedCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, kind, payload, viewed_at FROM recently_viewed
		ORDER BY viewed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recently viewed: %w", err)
	}
	defer rows.Close()

	var out []RecentItem
	for rows.Next() {
		var item RecentItem
		var payload, viewedAt string
		if err := rows.Scan(&item.ItemID, &item.Kind, &payload, &viewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recently viewed: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, viewedAt); err == nil {
			item.ViewedAt = ts
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
