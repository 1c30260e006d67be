// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Operation is one outbound mutation destined for the remote store. Each
// variant maps to exactly one (table, op) pair on the wire, replacing the
// opaque-JSON payloads of earlier designs with a closed set of shapes.
type Operation interface {
	// TargetTable is the remote table the operation applies to.
	TargetTable() string
	// Kind is the operation discriminator ("upsert", "delete", "clear").
	Kind() string
}

// OwnedUpsert records a non-zero owned quantity for one part in one set.
type OwnedUpsert struct {
	SetID    string `json:"set_id"`
	PartKey  string `json:"part_key"`
	Quantity int    `json:"quantity"`
}

func (OwnedUpsert) TargetTable() string { return "owned_parts" }
func (OwnedUpsert) Kind() string        { return "upsert" }

// OwnedDelete removes one owned row (quantity reached zero).
type OwnedDelete struct {
	SetID   string `json:"set_id"`
	PartKey string `json:"part_key"`
}

func (OwnedDelete) TargetTable() string { return "owned_parts" }
func (OwnedDelete) Kind() string        { return "delete" }

// OwnedClear removes every owned row for one set.
type OwnedClear struct {
	SetID string `json:"set_id"`
}

func (OwnedClear) TargetTable() string { return "owned_parts" }
func (OwnedClear) Kind() string        { return "clear" }

// DecodeOperation reconstructs an Operation from its queue envelope.
func DecodeOperation(table, kind string, payload json.RawMessage) (Operation, error) {
	if table != "owned_parts" {
		return nil, fmt.Errorf("unknown operation table %q", table)
	}
	switch kind {
	case "upsert":
		var op OwnedUpsert
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("failed to decode upsert payload: %w", err)
		}
		return op, nil
	case "delete":
		var op OwnedDelete
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("failed to decode delete payload: %w", err)
		}
		return op, nil
	case "clear":
		var op OwnedClear
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("failed to decode clear payload: %w", err)
		}
		return op, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
}

// SyncQueueItem is one durable queue row. Payload stays encoded until the
// worker puts it on the wire; the queue itself never interprets it.
type SyncQueueItem struct {
	ID          int64
	UserID      string
	TargetTable string
	Op          string
	Payload     json.RawMessage
	ClientID    string
	CreatedAt   time.Time
	RetryCount  int
	LastError   string
}

// EnqueueOperation appends one operation to the durable outbound queue.
func (s *Store) EnqueueOperation(ctx context.Context, userID, clientID string, op Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (user_id, target_table, op, payload, client_id)
		VALUES (?, ?, ?, ?, ?)
	`, userID, op.TargetTable(), op.Kind(), string(payload), clientID); err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

// PendingOperations reads up to limit queued items for one user, oldest first.
func (s *Store) PendingOperations(ctx context.Context, userID string, limit int) ([]SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, target_table, op, payload, client_id, created_at, retry_count, last_error
		FROM sync_queue WHERE user_id = ? ORDER BY id LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []SyncQueueItem
	for rows.Next() {
		var item SyncQueueItem
		var payload, createdAt string
		var lastError sql.NullString
		if err := rows.Scan(&item.ID, &item.UserID, &item.TargetTable, &item.Op,
			&payload, &item.ClientID, &createdAt, &item.RetryCount, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.LastError = lastError.String
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = ts
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// PendingCount returns the number of queued items for one user.
func (s *Store) PendingCount(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE user_id = ?
	`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return count, nil
}

// AckQueueItems removes acknowledged items. Removal happens only here: a queue
// row disappears if and only if the remote store confirmed it (or the caller
// explicitly accepted the fire-and-forget tradeoff on the unload path).
func (s *Store) AckQueueItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
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

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to ack queue item %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue ack: %w", err)
	}
	return nil
}

// QueueFailure records one server-reported per-item failure.
type QueueFailure struct {
	ID    int64
	Error string
}

// FailQueueItems keeps failed items in the queue, bumping retry_count and
// recording the server-supplied error.
func (s *Store) FailQueueItems(ctx context.Context, failures []QueueFailure) error {
	if len(failures) == 0 {
		return nil
	}
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

	for _, f := range failures {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?
		`, f.Error, f.ID); err != nil {
			return fmt.Errorf("failed to record queue failure %d: %w", f.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue failures: %w", err)
	}
	return nil
}
