package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/runtime/rpc"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

// maxBodySize bounds built-in endpoint request bodies.
const maxBodySize = 4 << 20

// HandleRequest dispatches an HTTP request into the agent's OnRequest
// handler through the writer loop. The router rewrites the URL path to
// the agent-relative tail before calling this.
func (i *Instance) HandleRequest(w http.ResponseWriter, r *http.Request) {
	err := i.Do(r.Context(), func(ctx context.Context) error {
		ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent, Request: r})
		return i.agent.OnRequest(ctx, w, r)
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrInstanceStopped) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent is stopping"})
		return
	}
	if e := i.agent.OnError(err); e != nil {
		i.log.Error("request handler failed", zap.Error(e))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": e.Error()})
	}
}

// HandleEmail decodes an inbound email and dispatches it to OnEmail.
func (i *Instance) HandleEmail(w http.ResponseWriter, r *http.Request) {
	var email Email
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&email); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email payload"})
		return
	}

	err := i.Do(r.Context(), func(ctx context.Context) error {
		ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent, Email: &email})
		return i.agent.OnEmail(ctx, &email)
	})
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if errors.Is(err, ErrInstanceStopped) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent is stopping"})
		return
	}
	if e := i.agent.OnError(err); e != nil {
		i.log.Error("email handler failed", zap.Error(e))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": e.Error()})
	}
}

// ServeBuiltins serves the well-known per-agent endpoints. Base.OnRequest
// delegates here, so every agent gets them unless it overrides OnRequest.
//
//	POST /setState     replace state, broadcast to all connections
//	GET  /getState     current state blob (null when never set)
//	POST /             JSON-RPC 2.0 onto callable methods
//	GET  /getSchedules pending schedule rows
func (i *Instance) ServeBuiltins(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	switch {
	case r.Method == http.MethodPost && path == "/setState":
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("failed to read state payload: %w", err)
		}
		if !json.Valid(body) {
			return errors.New("state payload must be valid JSON")
		}
		if err := i.SetState(ctx, body, SourceServer, nil); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return nil

	case r.Method == http.MethodGet && path == "/getState":
		state := i.State()
		if state == nil {
			state = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(state)
		return nil

	case r.Method == http.MethodPost && path == "/":
		rpc.ServeJSONRPC(ctx, i.reg, w, r)
		return nil

	case r.Method == http.MethodGet && path == "/getSchedules":
		scheds, err := i.store.ListSchedules(ctx, storage.ScheduleFilter{})
		if err != nil {
			return err
		}
		if scheds == nil {
			scheds = []storage.Schedule{}
		}
		writeJSON(w, http.StatusOK, scheds)
		return nil

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
