package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/agenthost/agenthost/internal/runtime/rpc"
	"github.com/agenthost/agenthost/internal/runtime/wsproto"
)

// ChatStream delivers chunks of one chat reply to the requesting
// connection. Each Send emits a done:false frame; End emits the single
// done:true frame and seals the stream.
type ChatStream struct {
	id   string
	conn *Conn

	mu   sync.Mutex
	done bool
}

// ID returns the chat request id this stream answers.
func (s *ChatStream) ID() string { return s.id }

// Send emits one intermediate chunk.
func (s *ChatStream) Send(body any) error {
	return s.emit(body, false)
}

// End emits the terminal frame. Further calls fail with ErrStreamClosed.
func (s *ChatStream) End(body any) error {
	return s.emit(body, true)
}

func (s *ChatStream) emit(body any, done bool) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return rpc.ErrStreamClosed
	}
	if done {
		s.done = true
	}
	return s.conn.SendJSON(wsproto.ChatResponse{
		Type: wsproto.TypeChatResponse,
		ID:   s.id,
		Body: data,
		Done: done,
	})
}

func (s *ChatStream) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// handleChatRequest runs one chat request through the agent's ChatHandler.
// It runs off the read pump; the cancel frame path cancels the context.
func (i *Instance) handleChatRequest(c *Conn, req wsproto.ChatRequest) {
	stream := &ChatStream{id: req.ID, conn: c}

	handler, ok := i.agent.(ChatHandler)
	if !ok {
		_ = stream.End(nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	i.chatMu.Lock()
	i.chatCancels[req.ID] = cancel
	i.chatMu.Unlock()
	defer func() {
		i.chatMu.Lock()
		delete(i.chatCancels, req.ID)
		i.chatMu.Unlock()
		cancel()
	}()

	err := i.Do(ctx, func(ctx context.Context) error {
		ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent, Connection: c})
		return handler.OnChatRequest(ctx, stream, req.Init)
	})
	if err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, ErrInstanceStopped) {
		i.OnError(err)
	}

	// The peer always gets exactly one terminal frame, even after a
	// cancel or a handler that never called End.
	if !stream.ended() {
		_ = stream.End(nil)
	}
}

// cancelChat aborts the in-flight chat request with the given id. Runs on
// the read pump, not the writer loop, so it can interrupt a running
// handler.
func (i *Instance) cancelChat(id string) {
	i.chatMu.Lock()
	cancel, ok := i.chatCancels[id]
	i.chatMu.Unlock()
	if ok {
		cancel()
	}
}

// syncChatMessages persists a message array sync and relays the frame to
// every other connection.
func (i *Instance) syncChatMessages(ctx context.Context, from *Conn, raw []byte, frame wsproto.ChatMessages) error {
	for _, msg := range frame.Messages {
		var meta struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(msg, &meta)
		if meta.ID == "" {
			meta.ID = uuid.New().String()
		}
		if err := i.store.AppendChatMessage(ctx, meta.ID, msg); err != nil {
			return err
		}
	}
	i.relayToOthers(from, raw)
	return nil
}

// clearChat empties the chat log and relays the clear to other peers.
func (i *Instance) clearChat(ctx context.Context, from *Conn, raw []byte) error {
	if err := i.store.ClearChatMessages(ctx); err != nil {
		return err
	}
	i.relayToOthers(from, raw)
	return nil
}

func (i *Instance) relayToOthers(from *Conn, raw []byte) {
	for _, c := range i.connSnapshot() {
		if c == from || c.ReadyState() != ReadyStateOpen {
			continue
		}
		_ = c.Send(raw)
	}
}
