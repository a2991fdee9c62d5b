package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ChatMessage is one entry in the append-log used by chat-style layers on
// top of the core. The message body is an opaque JSON blob.
type ChatMessage struct {
	ID        string          `db:"id" json:"id"`
	Message   json.RawMessage `db:"message" json:"message"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
}

// AppendChatMessage upserts one message into the log.
func (s *Store) AppendChatMessage(ctx context.Context, id string, message json.RawMessage) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chat_messages (id, message, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET message = excluded.message`,
		id, []byte(message), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the log in insertion order.
func (s *Store) ListChatMessages(ctx context.Context) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := sqlx.SelectContext(ctx, s.q, &msgs,
		"SELECT id, message, created_at FROM chat_messages ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return msgs, nil
}

// ClearChatMessages empties the log.
func (s *Store) ClearChatMessages(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM chat_messages"); err != nil {
		return fmt.Errorf("failed to clear chat messages: %w", err)
	}
	return nil
}
