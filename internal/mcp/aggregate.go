package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Namespaced capability records. Each embeds the MCP type and tags it
// with the owning server connection's id.

type Tool struct {
	ServerID string `json:"serverId"`
	mcp.Tool
}

type Prompt struct {
	ServerID string `json:"serverId"`
	mcp.Prompt
}

type Resource struct {
	ServerID string `json:"serverId"`
	mcp.Resource
}

type ResourceTemplate struct {
	ServerID string `json:"serverId"`
	mcp.ResourceTemplate
}

// ListTools aggregates tools across every ready connection, in connection
// insertion order.
func (m *Manager) ListTools() []Tool {
	var out []Tool
	m.eachReady(func(sc *serverConn) {
		for _, t := range sc.tools {
			out = append(out, Tool{ServerID: sc.id, Tool: t})
		}
	})
	return out
}

// ListPrompts aggregates prompts across every ready connection.
func (m *Manager) ListPrompts() []Prompt {
	var out []Prompt
	m.eachReady(func(sc *serverConn) {
		for _, p := range sc.prompts {
			out = append(out, Prompt{ServerID: sc.id, Prompt: p})
		}
	})
	return out
}

// ListResources aggregates resources across every ready connection.
func (m *Manager) ListResources() []Resource {
	var out []Resource
	m.eachReady(func(sc *serverConn) {
		for _, r := range sc.resources {
			out = append(out, Resource{ServerID: sc.id, Resource: r})
		}
	})
	return out
}

// ListResourceTemplates aggregates resource templates across every ready
// connection.
func (m *Manager) ListResourceTemplates() []ResourceTemplate {
	var out []ResourceTemplate
	m.eachReady(func(sc *serverConn) {
		for _, t := range sc.templates {
			out = append(out, ResourceTemplate{ServerID: sc.id, ResourceTemplate: t})
		}
	})
	return out
}

// eachReady walks ready connections in insertion order. fn runs with the
// connection lock held and must not call back into the manager.
func (m *Manager) eachReady(fn func(sc *serverConn)) {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range order {
		sc := m.get(id)
		if sc == nil {
			continue
		}
		sc.mu.Lock()
		if sc.state == StateReady {
			fn(sc)
		}
		sc.mu.Unlock()
	}
}

// CallTool invokes a tool on one server connection.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcp.CallToolResult, error) {
	sc := m.get(serverID)
	if sc == nil {
		return nil, errNoConn(serverID)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return sc.client.CallTool(ctx, req)
}

// CallQualifiedTool invokes a tool by its "<serverId>.<name>" form, the
// shape aggregated listings hand to model frontends.
func (m *Manager) CallQualifiedTool(ctx context.Context, qualified string, args map[string]any) (*mcp.CallToolResult, error) {
	serverID, name, ok := strings.Cut(qualified, ".")
	if !ok {
		return nil, fmt.Errorf("tool name %q is not serverId-qualified", qualified)
	}
	return m.CallTool(ctx, serverID, name, args)
}

// ReadResource reads a resource from one server connection.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	sc := m.get(serverID)
	if sc == nil {
		return nil, errNoConn(serverID)
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return sc.client.ReadResource(ctx, req)
}

// GetPrompt renders a prompt from one server connection.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	sc := m.get(serverID)
	if sc == nil {
		return nil, errNoConn(serverID)
	}

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return sc.client.GetPrompt(ctx, req)
}

// AITool adapts one MCP tool into the executable shape model frontends
// consume: a flat name plus an Execute closure.
type AITool struct {
	ServerID string
	Tool     mcp.Tool
	Execute  func(ctx context.Context, args map[string]any) (string, error)
}

// AITools flattens every ready connection's tools into a map keyed
// "tool_<serverId>_<name>". Execute returns the concatenated text content
// on success; a tool-level error surfaces as a Go error carrying the
// first text content.
func (m *Manager) AITools() map[string]AITool {
	out := make(map[string]AITool)
	m.eachReady(func(sc *serverConn) {
		serverID := sc.id
		for _, t := range sc.tools {
			tool := t
			key := fmt.Sprintf("tool_%s_%s", serverID, tool.Name)
			out[key] = AITool{
				ServerID: serverID,
				Tool:     tool,
				Execute: func(ctx context.Context, args map[string]any) (string, error) {
					result, err := m.CallTool(ctx, serverID, tool.Name, args)
					if err != nil {
						return "", err
					}
					text := textContent(result)
					if result.IsError {
						if text == "" {
							text = "tool execution failed"
						}
						return "", errors.New(text)
					}
					return text, nil
				},
			}
		}
	})
	return out
}

// textContent concatenates the text parts of a tool result.
func textContent(result *mcp.CallToolResult) string {
	var b strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
