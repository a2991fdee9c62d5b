package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetState returns the agent's persisted state blob, or nil if no state
// has ever been written.
func (s *Store) GetState(ctx context.Context) (json.RawMessage, error) {
	var data []byte
	err := sqlx.GetContext(ctx, s.q, &data, "SELECT data FROM state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return json.RawMessage(data), nil
}

// PutState replaces the singleton state row. Writers are serialized by the
// instance, so no version column is needed.
func (s *Store) PutState(ctx context.Context, data json.RawMessage) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO state (id, data) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		[]byte(data))
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// DeleteState removes the state row.
func (s *Store) DeleteState(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM state WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}
