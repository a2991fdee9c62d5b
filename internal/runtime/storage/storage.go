// Package storage provides the per-agent embedded store: schema migrations
// and typed access to the state, queue, schedule, mcp_servers, and
// chat_messages tables. No query composition leaks out of this package.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agenthost/agenthost/internal/db"
)

// Migration is one ordered schema step, applied at most once per database.
type Migration struct {
	Name string
	SQL  string
}

// migrations define the five per-agent tables. Order matters; names are
// recorded in the _migrations meta-table so new steps can be appended later.
var migrations = []Migration{
	{
		Name: "001_state",
		SQL: `CREATE TABLE IF NOT EXISTS state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT
		)`,
	},
	{
		Name: "002_queue",
		SQL: `CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			payload TEXT,
			callback TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_order ON queue(created_at, id)`,
	},
	{
		Name: "003_schedule",
		SQL: `CREATE TABLE IF NOT EXISTS schedule (
			id TEXT PRIMARY KEY,
			callback TEXT NOT NULL,
			payload TEXT,
			type TEXT NOT NULL CHECK (type IN ('scheduled', 'delayed', 'cron')),
			time INTEGER NOT NULL,
			delay_seconds INTEGER NOT NULL DEFAULT 0,
			cron TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_time ON schedule(time)`,
	},
	{
		Name: "004_mcp_servers",
		SQL: `CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			server_url TEXT NOT NULL,
			callback_url TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			auth_url TEXT NOT NULL DEFAULT '',
			server_options TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		Name: "005_chat_messages",
		SQL: `CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	},
}

// Store provides typed access to one agent's tables. A Store either wraps
// the instance's single-writer connection or, inside WithTx, a transaction
// on it; both expose the same method set.
type Store struct {
	q  sqlx.ExtContext
	db *sqlx.DB // nil for transaction views
}

// Open opens (creating if needed) the agent database at path and applies
// any missing migrations.
func Open(path string) (*Store, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(conn)
}

// OpenMemory opens an in-memory store with the full schema applied.
func OpenMemory() (*Store, error) {
	conn, err := db.OpenMemory()
	if err != nil {
		return nil, err
	}
	return NewWithDB(conn)
}

// NewWithDB wraps an existing connection and applies missing migrations.
func NewWithDB(conn *sqlx.DB) (*Store, error) {
	s := &Store{q: conn, db: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection. No-op on transaction views.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

// DB returns the underlying connection for shared access. Nil on
// transaction views.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn against a transaction view of the store. All writes made
// through the view commit together; any error rolls the whole batch back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		// Already inside a transaction; nesting joins the outer one.
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Store{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Purge deletes every row from all per-agent tables. Used by destroy().
func (s *Store) Purge(ctx context.Context) error {
	for _, table := range []string{"state", "queue", "schedule", "mcp_servers", "chat_messages"} {
		if _, err := s.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return nil
}

// migrate applies any migrations whose names are missing from the
// meta-table, each in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var applied []string
	if err := s.db.Select(&applied, "SELECT name FROM _migrations"); err != nil {
		return fmt.Errorf("failed to load applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	for _, m := range migrations {
		if done[m.Name] {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO _migrations (name, applied_at) VALUES (?, ?)",
			m.Name, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}
