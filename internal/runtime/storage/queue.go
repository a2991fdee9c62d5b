package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// QueueItem is one durable unit of FIFO work.
type QueueItem struct {
	ID        string          `db:"id" json:"id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Callback  string          `db:"callback" json:"callback"`
	CreatedAt int64           `db:"created_at" json:"created_at"` // epoch millis
}

// EnqueueItem inserts a new queue row.
func (s *Store) EnqueueItem(ctx context.Context, item QueueItem) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO queue (id, payload, callback, created_at) VALUES (?, ?, ?, ?)",
		item.ID, []byte(item.Payload), item.Callback, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// ListQueueItems returns all pending items in (created_at, id) order.
func (s *Store) ListQueueItems(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	err := sqlx.SelectContext(ctx, s.q, &items,
		"SELECT id, payload, callback, created_at FROM queue ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	return items, nil
}

// DeleteQueueItem removes a processed item.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending queue items.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, s.q, &n, "SELECT COUNT(*) FROM queue"); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}
