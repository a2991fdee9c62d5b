package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agenthost/agenthost/internal/runtime/wsproto"
)

// Dispatch invokes a callable method for one RPC request and forwards
// every response frame through emit. It never returns an error to the
// transport: failures become {success:false, error} frames.
func Dispatch(ctx context.Context, reg *Registry, req wsproto.RPCRequest, emit func(wsproto.RPCResponse) error) {
	method, err := reg.Lookup(req.Method)
	if err != nil {
		_ = emit(wsproto.NewRPCError(req.ID, ErrMethodNotFound.Error()))
		return
	}

	if method.Streaming() {
		stream := NewStreamingResponse(func(result json.RawMessage, done bool) error {
			return emit(wsproto.NewRPCChunk(req.ID, result, done))
		})
		if err := method.StreamFn(ctx, stream, req.Args); err != nil {
			_ = emit(wsproto.NewRPCError(req.ID, err.Error()))
		}
		return
	}

	result, err := method.Fn(ctx, req.Args)
	if err != nil {
		_ = emit(wsproto.NewRPCError(req.ID, err.Error()))
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		_ = emit(wsproto.NewRPCError(req.ID, fmt.Sprintf("failed to marshal result: %v", err)))
		return
	}
	_ = emit(wsproto.NewRPCResult(req.ID, data))
}

// Invoke runs a unary method and returns its marshaled result. Streaming
// methods run with a discarding sink; their final value is the result.
// Used by the JSON-RPC HTTP path where chunked delivery has no transport.
func Invoke(ctx context.Context, reg *Registry, method string, args []json.RawMessage) (json.RawMessage, error) {
	m, err := reg.Lookup(method)
	if err != nil {
		return nil, err
	}

	if m.Streaming() {
		stream := NewStreamingResponse(func(json.RawMessage, bool) error { return nil })
		if err := m.StreamFn(ctx, stream, args); err != nil {
			return nil, err
		}
		return stream.Final(), nil
	}

	result, err := m.Fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// JSON-RPC 2.0 envelope mapping for HTTP POST / on an agent.

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// ServeJSONRPC handles a JSON-RPC 2.0 envelope on an agent, mapping it to
// the same dispatch pipeline as WebSocket RPC.
func ServeJSONRPC(ctx context.Context, reg *Registry, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPC(w, http.StatusBadRequest, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSONRPC(w, http.StatusBadRequest, jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonRPCError{Code: codeInvalidRequest, Message: "invalid request"},
		})
		return
	}

	result, err := Invoke(ctx, reg, req.Method, req.Params)
	if err != nil {
		code, status := codeInternalError, http.StatusOK
		if errors.Is(err, ErrMethodNotFound) {
			code, status = codeMethodNotFound, http.StatusNotFound
		}
		writeJSONRPC(w, status, jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonRPCError{Code: code, Message: err.Error()},
		})
		return
	}

	writeJSONRPC(w, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeJSONRPC(w http.ResponseWriter, status int, resp jsonRPCResponse) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
