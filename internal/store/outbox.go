package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutboxRow is a row of the outbox_events table, generalized from the
// teacher's events table (internal/events/store.go) to carry a typed
// SystemEvent's fields instead of the teacher's Event struct.
type OutboxRow struct {
	ID         string
	EventType  string
	EntityType string
	EntityID   string
	Payload    string
	OccurredAt time.Time
	Delivered  bool
}

// AppendOutbox writes an outbox row inside an existing transaction, so the
// event commits atomically with the business state change that produced it.
func AppendOutbox(tx *sql.Tx, row OutboxRow) error {
	_, err := tx.Exec(
		`INSERT INTO outbox_events (id, event_type, entity_type, entity_id, payload, occurred_at, delivered)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		row.ID, row.EventType, row.EntityType, row.EntityID, row.Payload, row.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// PendingOutbox returns undelivered rows ordered by commit order (occurred_at
// ascending, then id as a stable tiebreaker), up to limit rows.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, entity_type, entity_id, payload, occurred_at, delivered
		 FROM outbox_events WHERE delivered = 0 ORDER BY occurred_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.EventType, &r.EntityType, &r.EntityID, &r.Payload, &r.OccurredAt, &r.Delivered); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDelivered flags rows as delivered after a successful publish to the
// broker transport.
func (s *Store) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE outbox_events SET delivered = 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("mark delivered %s: %w", id, err)
			}
		}
		return nil
	})
}
