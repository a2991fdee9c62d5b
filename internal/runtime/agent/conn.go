package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// Outbound frames buffered per connection before the peer is
	// considered too slow.
	sendBufferSize = 256
)

// ReadyState mirrors the client-side WebSocket readyState values.
type ReadyState int32

const (
	ReadyStateConnecting ReadyState = iota
	ReadyStateOpen
	ReadyStateClosing
	ReadyStateClosed
)

// ErrConnClosed is returned when sending on a connection that is closing
// or closed.
var ErrConnClosed = errors.New("connection is closed")

// Conn is one WebSocket attached to an agent instance. Reads feed the
// instance's frame handling; writes go through a buffered pump.
type Conn struct {
	// ID uniquely identifies the connection for its lifetime.
	ID string

	inst *Instance
	ws   *websocket.Conn
	send chan []byte
	log  *logger.Logger

	ready atomic.Int32

	stateMu sync.RWMutex
	state   json.RawMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(i *Instance, ws *websocket.Conn) *Conn {
	id := uuid.New().String()
	c := &Conn{
		ID:     id,
		inst:   i,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		log:    i.log.WithConnID(id),
		closed: make(chan struct{}),
	}
	c.ready.Store(int32(ReadyStateOpen))
	return c
}

// ReadyState returns the connection's lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	return ReadyState(c.ready.Load())
}

// State returns the per-connection attachment blob.
func (c *Conn) State() json.RawMessage {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// SetState replaces the per-connection attachment blob. Unlike agent
// state it is not persisted and dies with the connection.
func (c *Conn) SetState(state json.RawMessage) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// Send queues one text frame for delivery. A peer that cannot drain its
// buffer is disconnected rather than allowed to stall the instance.
func (c *Conn) Send(data []byte) error {
	if c.ReadyState() != ReadyStateOpen {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.log.Warn("send buffer full, dropping slow connection")
		c.Close(websocket.ClosePolicyViolation, "send buffer overflow")
		return ErrConnClosed
	}
}

// SendJSON marshals v and queues it for delivery.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close sends a close frame to the peer and tears the connection down.
func (c *Conn) Close(code int, reason string) {
	c.ready.CompareAndSwap(int32(ReadyStateOpen), int32(ReadyStateClosing))
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.teardown(code, reason)
}

// teardown finalizes the connection exactly once: it leaves the
// instance's connection set, stops the pumps, and dispatches OnClose.
func (c *Conn) teardown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.ready.Store(int32(ReadyStateClosed))
		close(c.closed)
		_ = c.ws.Close()
		c.inst.dropConn(c)
		c.inst.dispatchClose(c, code, reason)
	})
}

// readPump reads frames from the peer and hands them to the instance.
// One goroutine per connection; frame handling blocks the pump so frames
// from a single connection process in arrival order.
func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			c.teardown(code, reason)
			return
		}
		c.inst.handleFrame(c, data)
	}
}

// writePump drains the send buffer to the peer and keeps the connection
// alive with periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
