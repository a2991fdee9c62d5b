package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/mcp"
	"github.com/agenthost/agenthost/internal/runtime/names"
	"github.com/agenthost/agenthost/internal/runtime/queue"
	"github.com/agenthost/agenthost/internal/runtime/rpc"
	"github.com/agenthost/agenthost/internal/runtime/scheduler"
	"github.com/agenthost/agenthost/internal/runtime/storage"
	"github.com/agenthost/agenthost/internal/runtime/wsproto"
)

// ErrInstanceStopped is returned for work submitted to a stopped instance.
var ErrInstanceStopped = errors.New("agent instance is stopped")

// loopKey marks contexts executing inside the instance's writer loop, so
// nested calls run inline instead of deadlocking on the mailbox.
type loopKey struct{}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// broadcast is one buffered state announcement, delivered only after the
// originating handler completes without error.
type broadcast struct {
	state   json.RawMessage
	source  StateSource
	exclude *Conn
}

// Options configures one instance at hydration.
type Options struct {
	Class *Class
	Name  string
	Store *storage.Store
	Log   *logger.Logger

	// MailboxSize bounds queued work; zero means the default of 64.
	MailboxSize int

	// MCPCallbackBaseURL is the externally reachable base for OAuth
	// callback URLs handed to MCP servers.
	MCPCallbackBaseURL string

	// OnStop runs after the instance has fully stopped, letting the
	// registry drop its reference.
	OnStop func(*Instance)
}

// Instance is one live agent: a single-writer actor owning a private
// store, a connection set, a scheduler with its alarm, and a queue.
// All handler execution serializes through its mailbox.
type Instance struct {
	class *Class
	name  string
	id    string
	log   *logger.Logger

	agent Agent
	reg   *rpc.Registry
	store *storage.Store
	sched *scheduler.Scheduler
	queue *queue.Engine
	mcp   *mcp.Manager

	mailbox  chan *job
	stopped  chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	onStop   func(*Instance)

	mu    sync.RWMutex
	state json.RawMessage
	conns map[string]*Conn

	chatMu      sync.Mutex
	chatCancels map[string]context.CancelFunc

	lastActive atomic.Int64

	// Writer-loop locals. Only the run goroutine touches these.
	prevState  json.RawMessage
	stateDirty bool
	pending    []broadcast
}

// Start hydrates an instance: it loads persisted state, builds the agent
// and its method registry, starts the writer loop, and enqueues the alarm
// catch-up pass ahead of any external traffic.
func Start(ctx context.Context, opts Options) (*Instance, error) {
	if opts.Class == nil || opts.Class.New == nil {
		return nil, errors.New("agent class with a constructor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("agent store is required")
	}

	size := opts.MailboxSize
	if size <= 0 {
		size = 64
	}
	log := opts.Log.WithAgent(opts.Class.Kebab(), opts.Name)

	i := &Instance{
		class:       opts.Class,
		name:        opts.Name,
		id:          names.AgentID(opts.Class.Name, opts.Name),
		log:         log,
		store:       opts.Store,
		mailbox:     make(chan *job, size),
		stopped:     make(chan struct{}),
		loopDone:    make(chan struct{}),
		onStop:      opts.OnStop,
		conns:       make(map[string]*Conn),
		chatCancels: make(map[string]context.CancelFunc),
	}
	i.touch()

	i.agent = opts.Class.New()
	if b, ok := i.agent.(binder); ok {
		b.bindInstance(i)
	}
	i.reg = rpc.NewRegistry()
	if r, ok := i.agent.(Registrar); ok {
		r.RegisterMethods(i.reg)
	}

	state, err := opts.Store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	i.state = state

	i.sched = scheduler.New(opts.Store, i, i.fireAlarm, log)
	i.queue = queue.New(opts.Store, i, log)
	i.mcp = mcp.NewManager(opts.Store, opts.MCPCallbackBaseURL, log)

	go i.run()

	// Replay fires missed while hibernated. The catch-up job is first
	// into the mailbox, so it runs before any request or frame.
	i.submitAsync(i.processAlarm)

	log.Debug("agent instance hydrated", zap.String("agent_id", i.id))
	return i, nil
}

// Identity accessors.

func (i *Instance) ID() string        { return i.id }
func (i *Instance) Name() string      { return i.name }
func (i *Instance) ClassName() string { return i.class.Name }

// Registry returns the instance's callable method registry.
func (i *Instance) Registry() *rpc.Registry { return i.reg }

// Store returns the instance's private store.
func (i *Instance) Store() *storage.Store { return i.store }

// MCP returns the instance's MCP server connection manager.
func (i *Instance) MCP() *mcp.Manager { return i.mcp }

// LastActive reports when the instance last executed work, for idle
// eviction.
func (i *Instance) LastActive() time.Time {
	return time.Unix(0, i.lastActive.Load())
}

// ConnCount returns the number of attached connections.
func (i *Instance) ConnCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.conns)
}

func (i *Instance) touch() {
	i.lastActive.Store(time.Now().UnixNano())
}

// Do runs fn inside the writer loop and returns its error. Calls made
// from within the loop run inline.
func (i *Instance) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if inLoop(ctx, i) {
		return fn(ctx)
	}

	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case i.mailbox <- j:
	case <-i.stopped:
		return ErrInstanceStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func inLoop(ctx context.Context, i *Instance) bool {
	v, _ := ctx.Value(loopKey{}).(*Instance)
	return v == i
}

// submitAsync queues fn without waiting for its result. The error has no
// caller to return to, so it is logged instead of dropped.
func (i *Instance) submitAsync(fn func(ctx context.Context) error) {
	j := &job{ctx: context.Background(), fn: fn, done: make(chan error, 1)}
	select {
	case i.mailbox <- j:
	case <-i.stopped:
		return
	}
	go func() {
		if err := <-j.done; err != nil && !errors.Is(err, ErrInstanceStopped) {
			i.log.Error("background job failed", zap.Error(err))
		}
	}()
}

func (i *Instance) run() {
	defer close(i.loopDone)
	for {
		select {
		case j := <-i.mailbox:
			i.touch()
			j.done <- i.execute(j)
		case <-i.stopped:
			for {
				select {
				case j := <-i.mailbox:
					j.done <- ErrInstanceStopped
				default:
					return
				}
			}
		}
	}
}

// execute runs one job. State writes made by the job are buffered; on
// success they commit and their broadcasts flush, on failure they roll
// back and no broadcast leaves the instance.
func (i *Instance) execute(j *job) error {
	ctx := context.WithValue(j.ctx, loopKey{}, i)
	i.stateDirty = false
	i.pending = nil

	err := i.runGuarded(ctx, j.fn)
	if err != nil {
		i.rollbackState()
		i.pending = nil
		return err
	}
	return i.flush(ctx)
}

func (i *Instance) runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			i.log.Error("handler panic", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return fn(ctx)
}

func (i *Instance) rollbackState() {
	if !i.stateDirty {
		return
	}
	i.mu.Lock()
	i.state = i.prevState
	i.mu.Unlock()
	i.stateDirty = false
}

// flush commits the buffered state row and delivers broadcasts in the
// order the handler issued them. OnStateUpdate may itself set state, so
// flushing loops until no pending work remains.
func (i *Instance) flush(ctx context.Context) error {
	for i.stateDirty || len(i.pending) > 0 {
		if i.stateDirty {
			if err := i.store.PutState(ctx, i.State()); err != nil {
				i.rollbackState()
				i.pending = nil
				return err
			}
			i.stateDirty = false
		}

		batch := i.pending
		i.pending = nil
		for _, b := range batch {
			i.broadcastState(b)
			i.agent.OnStateUpdate(ctx, b.state, b.source)
		}
	}
	return nil
}

// State returns the current state blob, nil when never set.
func (i *Instance) State() json.RawMessage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState replaces the agent state. Inside a handler the write and its
// broadcast are deferred to handler completion; outside, SetState returns
// once the row is committed and every open connection has accepted the
// broadcast into its send buffer.
func (i *Instance) SetState(ctx context.Context, state json.RawMessage, source StateSource, exclude *Conn) error {
	if !json.Valid(state) {
		return errors.New("state must be valid JSON")
	}
	if !inLoop(ctx, i) {
		return i.Do(ctx, func(ctx context.Context) error {
			return i.SetState(ctx, state, source, exclude)
		})
	}

	if !i.stateDirty {
		i.prevState = i.State()
		i.stateDirty = true
	}
	i.mu.Lock()
	i.state = state
	i.mu.Unlock()

	i.pending = append(i.pending, broadcast{state: state, source: source, exclude: exclude})
	return nil
}

func (i *Instance) broadcastState(b broadcast) {
	frame, err := json.Marshal(wsproto.NewStateFrame(b.state))
	if err != nil {
		i.log.Error("failed to marshal state frame", zap.Error(err))
		return
	}
	for _, c := range i.connSnapshot() {
		if c == b.exclude || c.ReadyState() != ReadyStateOpen {
			continue
		}
		_ = c.Send(frame)
	}
}

// Schedule persists a future callback invocation. when accepts a
// time.Time, a positive delay in seconds, absolute epoch milliseconds, a
// time.Duration, or a 5-field cron expression.
func (i *Instance) Schedule(ctx context.Context, when any, callback string, payload any) (storage.Schedule, error) {
	return i.sched.Schedule(ctx, when, callback, payload)
}

// CancelSchedule removes a schedule by id.
func (i *Instance) CancelSchedule(ctx context.Context, id string) error {
	return i.sched.Cancel(ctx, id)
}

// Schedules lists schedule rows matching the filter.
func (i *Instance) Schedules(ctx context.Context, filter storage.ScheduleFilter) ([]storage.Schedule, error) {
	return i.sched.List(ctx, filter)
}

// Enqueue appends a durable work item and wakes the alarm so it is
// processed promptly.
func (i *Instance) Enqueue(ctx context.Context, callback string, payload any) (string, error) {
	id, err := i.queue.Enqueue(ctx, callback, payload)
	if err != nil {
		return "", err
	}
	if err := i.sched.Arm(ctx, 0); err != nil {
		return "", err
	}
	return id, nil
}

// QueueDepth returns the number of pending queue items.
func (i *Instance) QueueDepth(ctx context.Context) (int, error) {
	return i.queue.Depth(ctx)
}

// ChatMessages returns the persisted chat log.
func (i *Instance) ChatMessages(ctx context.Context) ([]storage.ChatMessage, error) {
	return i.store.ListChatMessages(ctx)
}

// scheduler.Invoker implementation. Callbacks run inside the writer loop
// because the alarm and queue passes themselves run there.

func (i *Instance) HasCallback(name string) bool {
	return i.reg.HasCallback(name)
}

func (i *Instance) InvokeCallback(ctx context.Context, name string, payload json.RawMessage) error {
	cb, err := i.reg.Callback(name)
	if err != nil {
		return err
	}
	if _, ok := rpc.FromContext(ctx); !ok {
		ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent})
	}
	return cb(ctx, payload)
}

// OnError routes a failure through the agent's OnError hook; an error it
// re-raises has no transport here, so it is logged.
func (i *Instance) OnError(err error) {
	if e := i.agent.OnError(err); e != nil {
		i.log.Error("unhandled agent error", zap.Error(e))
	}
}

// processAlarm is the single alarm body: fire due schedules, drain the
// queue, then re-arm with retry spacing for anything retained. Every
// stage runs even when an earlier one fails; a skipped re-arm would
// leave retained work waiting forever.
func (i *Instance) processAlarm(ctx context.Context) error {
	var firstErr error
	if err := i.sched.ProcessDue(ctx); err != nil {
		firstErr = err
	}
	if err := i.queue.ProcessAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := i.sched.Arm(ctx, scheduler.RetryDelay()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// fireAlarm runs on the timer goroutine and must not block.
func (i *Instance) fireAlarm() {
	go i.submitAsync(i.processAlarm)
}

// Connection management.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the router's CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and attaches the connection to the
// instance. It blocks until the connection closes.
func (i *Instance) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(i, ws)
	i.mu.Lock()
	i.conns[c.ID] = c
	i.mu.Unlock()
	go c.writePump()

	err = i.Do(r.Context(), func(ctx context.Context) error {
		ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent, Request: r, Connection: c})
		if err := i.agent.OnConnect(ctx, c); err != nil {
			return err
		}
		// Initial state sync for late joiners.
		if st := i.State(); st != nil {
			if frame, err := json.Marshal(wsproto.NewStateFrame(st)); err == nil {
				_ = c.Send(frame)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInstanceStopped) {
			c.Close(websocket.CloseGoingAway, "agent stopping")
			return
		}
		if e := i.agent.OnError(err); e != nil {
			i.log.Error("connect handler failed", zap.Error(e))
			c.Close(websocket.CloseInternalServerErr, "connect handler failed")
			return
		}
	}

	c.readPump()
}

func (i *Instance) connSnapshot() []*Conn {
	i.mu.RLock()
	defer i.mu.RUnlock()
	conns := make([]*Conn, 0, len(i.conns))
	for _, c := range i.conns {
		conns = append(conns, c)
	}
	return conns
}

func (i *Instance) dropConn(c *Conn) {
	i.mu.Lock()
	delete(i.conns, c.ID)
	i.mu.Unlock()
}

func (i *Instance) dispatchClose(c *Conn, code int, reason string) {
	go func() {
		err := i.Do(context.Background(), func(ctx context.Context) error {
			ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent, Connection: c})
			return i.agent.OnClose(ctx, c, code, reason)
		})
		if err != nil && !errors.Is(err, ErrInstanceStopped) {
			i.OnError(err)
		}
	}()
}

// handleFrame routes one inbound WebSocket message. Control protocol
// frames are handled here; everything else goes to OnMessage.
func (i *Instance) handleFrame(c *Conn, data []byte) {
	typ, err := wsproto.ParseType(data)
	if err != nil {
		i.dispatchConn(c, func(ctx context.Context) error {
			return i.agent.OnMessage(ctx, c, data)
		})
		return
	}

	switch typ {
	case wsproto.TypeState:
		var frame wsproto.StateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		i.dispatchConn(c, func(ctx context.Context) error {
			return i.SetState(ctx, frame.State, SourceClient, c)
		})

	case wsproto.TypeRPC:
		var req wsproto.RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		i.dispatchConn(c, func(ctx context.Context) error {
			rpc.Dispatch(ctx, i.reg, req, func(resp wsproto.RPCResponse) error {
				return c.SendJSON(resp)
			})
			return nil
		})

	case wsproto.TypeChatRequest:
		var req wsproto.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		// Off the read pump so a cancel frame on the same connection
		// can interrupt the running handler.
		go i.handleChatRequest(c, req)

	case wsproto.TypeChatCancel:
		var frame wsproto.ChatCancel
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		i.cancelChat(frame.ID)

	case wsproto.TypeChatMessages:
		var frame wsproto.ChatMessages
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		i.dispatchConn(c, func(ctx context.Context) error {
			return i.syncChatMessages(ctx, c, data, frame)
		})

	case wsproto.TypeChatClear:
		i.dispatchConn(c, func(ctx context.Context) error {
			return i.clearChat(ctx, c, data)
		})

	default:
		if strings.HasPrefix(typ, "cf_agent_") {
			// Reserved namespace; frames from newer protocol revisions
			// are dropped rather than leaked to OnMessage.
			return
		}
		i.dispatchConn(c, func(ctx context.Context) error {
			return i.agent.OnMessage(ctx, c, data)
		})
	}
}

// dispatchConn runs a connection-originated handler. A handler error goes
// through OnError; if re-raised the connection closes with 1011.
func (i *Instance) dispatchConn(c *Conn, fn func(ctx context.Context) error) {
	err := i.Do(context.Background(), func(ctx context.Context) error {
		ctx = rpc.WithInvocation(ctx, &rpc.Invocation{Agent: i.agent, Connection: c})
		return fn(ctx)
	})
	if err == nil || errors.Is(err, ErrInstanceStopped) {
		return
	}
	if e := i.agent.OnError(err); e != nil {
		i.log.Error("websocket handler failed", zap.Error(e))
		c.Close(websocket.CloseInternalServerErr, "handler error")
	}
}

// Stop hibernates the instance: new work is rejected, the loop drains,
// connections close, and persisted rows stay for the next hydration.
// Never call Stop from inside a handler.
func (i *Instance) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopped)
		<-i.loopDone
		i.sched.Close()
		i.mcp.CloseAllConnections()
		for _, c := range i.connSnapshot() {
			c.Close(websocket.CloseGoingAway, "agent stopping")
		}
		if err := i.store.Close(); err != nil {
			i.log.Warn("failed to close agent store", zap.Error(err))
		}
		if i.onStop != nil {
			i.onStop(i)
		}
		i.log.Debug("agent instance stopped")
	})
}

// Destroy wipes every persisted row for this agent and stops it. A later
// access to the same (class, name) hydrates a fresh, empty instance.
func (i *Instance) Destroy(ctx context.Context) error {
	err := i.Do(ctx, func(ctx context.Context) error {
		i.chatMu.Lock()
		for _, cancel := range i.chatCancels {
			cancel()
		}
		i.chatMu.Unlock()

		if err := i.store.Purge(ctx); err != nil {
			return err
		}
		i.mu.Lock()
		i.state = nil
		i.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	i.Stop()
	return nil
}
