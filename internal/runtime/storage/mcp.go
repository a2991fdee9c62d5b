package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// MCPServer is the durable record of one reconnectable MCP server binding,
// including the OAuth client registration data needed to resume auth.
type MCPServer struct {
	ID            string `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	ServerURL     string `db:"server_url" json:"server_url"`
	CallbackURL   string `db:"callback_url" json:"callback_url"`
	ClientID      string `db:"client_id" json:"client_id"`
	AuthURL       string `db:"auth_url" json:"auth_url"`
	ServerOptions string `db:"server_options" json:"server_options"` // JSON-encoded connect options
}

// PutMCPServer inserts or replaces a server binding.
func (s *Store) PutMCPServer(ctx context.Context, server MCPServer) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO mcp_servers
		 (id, name, server_url, callback_url, client_id, auth_url, server_options)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, server.ServerURL, server.CallbackURL,
		server.ClientID, server.AuthURL, server.ServerOptions)
	if err != nil {
		return fmt.Errorf("failed to write mcp server: %w", err)
	}
	return nil
}

// ListMCPServers returns all persisted server bindings.
func (s *Store) ListMCPServers(ctx context.Context) ([]MCPServer, error) {
	var servers []MCPServer
	err := sqlx.SelectContext(ctx, s.q, &servers,
		"SELECT id, name, server_url, callback_url, client_id, auth_url, server_options FROM mcp_servers ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	return servers, nil
}

// DeleteMCPServer removes a server binding.
func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM mcp_servers WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete mcp server: %w", err)
	}
	return nil
}
