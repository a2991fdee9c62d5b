// Package wsproto defines the typed JSON frames of the agent control
// protocol carried over a WebSocket: state sync, RPC (one-shot and
// streaming), and the chat request/response/cancel family.
package wsproto

import (
	"encoding/json"
	"errors"
)

// Frame type discriminants. Every frame is a JSON text message with a
// required "type" field; unknown types and invalid JSON are ignored.
const (
	TypeState        = "cf_agent_state"
	TypeRPC          = "rpc"
	TypeChatRequest  = "cf_agent_use_chat_request"
	TypeChatResponse = "cf_agent_use_chat_response"
	TypeChatCancel   = "cf_agent_chat_request_cancel"
	TypeChatMessages = "cf_agent_chat_messages"
	TypeChatClear    = "cf_agent_chat_clear"
)

// ErrNotProtocol marks messages this package does not understand. Callers
// drop such messages and hand them to the raw OnMessage handler instead.
var ErrNotProtocol = errors.New("not a control protocol frame")

// Envelope carries just the discriminant, for a first-pass parse.
type Envelope struct {
	Type string `json:"type"`
}

// StateFrame syncs the agent state blob in either direction.
type StateFrame struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// RPCRequest invokes a callable method on the agent.
type RPCRequest struct {
	Type   string            `json:"type"`
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// RPCResponse answers an RPCRequest. Done is omitted for one-shot results;
// streaming chunks carry done:false and exactly one final frame carries
// done:true.
type RPCResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Done    *bool           `json:"done,omitempty"`
}

// ChatRequest delivers an HTTP-shaped request to the chat handler.
type ChatRequest struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Init json.RawMessage `json:"init"`
}

// ChatResponse streams chunks of the chat reply body.
type ChatResponse struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
	Done bool            `json:"done"`
}

// ChatCancel aborts the in-flight chat request with the matching id.
type ChatCancel struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ChatMessages syncs the full chat message array.
type ChatMessages struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

// NewStateFrame builds an outgoing state broadcast.
func NewStateFrame(state json.RawMessage) StateFrame {
	return StateFrame{Type: TypeState, State: state}
}

// NewRPCResult builds a one-shot success response.
func NewRPCResult(id string, result json.RawMessage) RPCResponse {
	return RPCResponse{Type: TypeRPC, ID: id, Success: true, Result: result}
}

// NewRPCChunk builds a streaming response frame.
func NewRPCChunk(id string, result json.RawMessage, done bool) RPCResponse {
	return RPCResponse{Type: TypeRPC, ID: id, Success: true, Result: result, Done: &done}
}

// NewRPCError builds a failure response.
func NewRPCError(id string, errMsg string) RPCResponse {
	return RPCResponse{Type: TypeRPC, ID: id, Success: false, Error: errMsg}
}

// ParseType extracts the frame discriminant. Invalid JSON or a missing
// type field yields ErrNotProtocol.
func ParseType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", ErrNotProtocol
	}
	if env.Type == "" {
		return "", ErrNotProtocol
	}
	return env.Type, nil
}
