// Package agent hosts long-lived, addressable, stateful agent instances.
// Each instance is a single-writer actor identified by (class, name) with a
// private embedded store; inbound HTTP, WebSocket, email, scheduled, and
// queued work all serialize through its mailbox.
package agent

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/agenthost/agenthost/internal/runtime/names"
	"github.com/agenthost/agenthost/internal/runtime/rpc"
)

// StateSource tags who initiated a state update.
type StateSource string

const (
	SourceClient StateSource = "client"
	SourceServer StateSource = "server"
)

// Email is an inbound message routed to an agent's OnEmail handler.
type Email struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// Agent is the behavior contract a user type implements. Embed Base to
// inherit defaults and override only what the agent needs.
type Agent interface {
	// OnRequest handles an HTTP request routed to this instance. The
	// Base default serves the built-in endpoints (setState, getState,
	// JSON-RPC, getSchedules).
	OnRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) error

	// OnConnect runs after a WebSocket attaches as a Connection.
	OnConnect(ctx context.Context, conn *Conn) error

	// OnMessage receives WebSocket messages that are not control
	// protocol frames.
	OnMessage(ctx context.Context, conn *Conn, data []byte) error

	// OnClose runs when a connection closes.
	OnClose(ctx context.Context, conn *Conn, code int, reason string) error

	// OnEmail handles an inbound email routed to this instance.
	OnEmail(ctx context.Context, email *Email) error

	// OnError observes a handler failure. Returning a non-nil error
	// re-raises it to the transport; the Base default re-raises.
	OnError(err error) error

	// OnStateUpdate observes every committed state change.
	OnStateUpdate(ctx context.Context, state json.RawMessage, source StateSource)
}

// Registrar is implemented by agents that expose callable RPC methods or
// named schedule/queue callbacks. Registration is explicit: only names
// added here are remotely invocable.
type Registrar interface {
	RegisterMethods(reg *rpc.Registry)
}

// ChatHandler is implemented by agents that answer chat-shaped requests
// delivered over the control protocol.
type ChatHandler interface {
	OnChatRequest(ctx context.Context, stream *ChatStream, init json.RawMessage) error
}

// Class defines one agent type: many named instances share its behavior.
type Class struct {
	// Name is the declared class name, e.g. "EmailAssistant". Routing
	// uses its kebab-case form.
	Name string

	// New constructs the user agent value for one instance.
	New func() Agent
}

// Kebab returns the class name's URL routing form.
func (c *Class) Kebab() string {
	return names.Kebab(c.Name)
}

// Base provides default implementations of Agent plus helpers bound to the
// owning instance. User agents embed it by pointer-receiver convention.
type Base struct {
	inst *Instance
}

type binder interface {
	bindInstance(*Instance)
}

func (b *Base) bindInstance(i *Instance) { b.inst = i }

// Instance returns the hosting instance.
func (b *Base) Instance() *Instance { return b.inst }

// State returns the current persisted state blob.
func (b *Base) State() json.RawMessage { return b.inst.State() }

// SetState replaces the agent state and broadcasts it to every open
// connection.
func (b *Base) SetState(ctx context.Context, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.inst.SetState(ctx, data, SourceServer, nil)
}

// OnRequest serves the built-in endpoints by default.
func (b *Base) OnRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return b.inst.ServeBuiltins(ctx, w, r)
}

func (b *Base) OnConnect(ctx context.Context, conn *Conn) error { return nil }

func (b *Base) OnMessage(ctx context.Context, conn *Conn, data []byte) error { return nil }

func (b *Base) OnClose(ctx context.Context, conn *Conn, code int, reason string) error { return nil }

func (b *Base) OnEmail(ctx context.Context, email *Email) error { return nil }

// OnError re-raises by default.
func (b *Base) OnError(err error) error { return err }

func (b *Base) OnStateUpdate(ctx context.Context, state json.RawMessage, source StateSource) {}
