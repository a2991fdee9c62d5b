// Package mcp manages an agent's connections to MCP servers: connect and
// OAuth/PKCE authentication, capability discovery, namespaced aggregation
// of tools, prompts, and resources, and durable reconnect bindings.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

// ConnState is the lifecycle state of one server connection.
type ConnState string

const (
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateReady          ConnState = "ready"
	StateFailed         ConnState = "failed"
)

// clientName is sent in MCP initialize and OAuth dynamic registration.
const clientName = "agenthost"

// Reconnect resumes a previously persisted server binding.
type Reconnect struct {
	ID            string `json:"id"`
	OAuthClientID string `json:"oauthClientId,omitempty"`
	OAuthCode     string `json:"oauthCode,omitempty"`
}

// ConnectOptions tune one Connect call.
type ConnectOptions struct {
	// Name is a human label; defaults to the server URL.
	Name string `json:"name,omitempty"`

	// ClientID is a pre-registered OAuth client id. When empty, dynamic
	// client registration runs on first auth.
	ClientID string `json:"clientId,omitempty"`

	// Reconnect resumes an existing binding instead of minting a new id.
	Reconnect *Reconnect `json:"reconnect,omitempty"`
}

// ConnectResult reports the outcome of a Connect call. When State is
// StateAuthenticating the caller must send the user to AuthURL and later
// route the provider's redirect through HandleCallbackRequest.
type ConnectResult struct {
	ID      string    `json:"id"`
	State   ConnState `json:"state"`
	AuthURL string    `json:"authUrl,omitempty"`

	// ClientID is the OAuth client id in effect, including one minted by
	// dynamic registration. Callers persist it for later reconnects.
	ClientID string `json:"clientId,omitempty"`
}

// persistedOptions is the ServerOptions column payload.
type persistedOptions struct {
	Name string `json:"name,omitempty"`
}

// serverConn is one live server connection.
type serverConn struct {
	id          string
	name        string
	serverURL   string
	callbackURL string

	mu           sync.Mutex
	state        ConnState
	client       *client.Client
	handler      *transport.OAuthHandler
	clientID     string
	codeVerifier string
	oauthState   string
	authURL      string
	instructions string

	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	templates []mcp.ResourceTemplate
}

// ServerInfo is the externally visible summary of one connection.
type ServerInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ServerURL    string    `json:"server_url"`
	State        ConnState `json:"state"`
	AuthURL      string    `json:"auth_url,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
}

// Manager owns one agent's MCP server connections. Connections are kept
// in insertion order for stable aggregation.
type Manager struct {
	store   *storage.Store
	baseURL string
	log     *logger.Logger

	mu        sync.RWMutex
	order     []string
	conns     map[string]*serverConn
	callbacks map[string]string // callback URL -> server id

	warnedNoAuth bool
}

// NewManager creates a manager persisting bindings into the agent's
// store. baseURL is the externally reachable prefix for OAuth callback
// URLs; empty disables the auth flow.
func NewManager(store *storage.Store, baseURL string, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       log.WithFields(zap.String("component", "mcp")),
		conns:     make(map[string]*serverConn),
		callbacks: make(map[string]string),
	}
}

// Connect establishes (or resumes) a connection to an MCP server. A
// server that demands OAuth returns StateAuthenticating plus the
// authorization URL rather than an error.
func (m *Manager) Connect(ctx context.Context, serverURL string, opts ConnectOptions) (ConnectResult, error) {
	id := newServerID()
	clientID := opts.ClientID
	if opts.Reconnect != nil {
		// An authorization code is only valid against the connection that
		// issued the authorization URL, so it must finish on that live
		// connection rather than a freshly built client.
		if opts.Reconnect.OAuthCode != "" {
			return m.resumeWithCode(ctx, opts.Reconnect)
		}
		if opts.Reconnect.ID != "" {
			id = opts.Reconnect.ID
		}
		if opts.Reconnect.OAuthClientID != "" {
			clientID = opts.Reconnect.OAuthClientID
		}
	}
	name := opts.Name
	if name == "" {
		name = serverURL
	}

	sc := &serverConn{
		id:        id,
		name:      name,
		serverURL: serverURL,
		state:     StateConnecting,
		clientID:  clientID,
	}

	var (
		cli *client.Client
		err error
	)
	if m.baseURL != "" {
		sc.callbackURL = m.baseURL + "/" + id
		cli, err = client.NewOAuthStreamableHttpClient(serverURL, client.OAuthConfig{
			ClientID:    clientID,
			RedirectURI: sc.callbackURL,
			TokenStore:  client.NewMemoryTokenStore(),
			PKCEEnabled: true,
		})
	} else {
		cli, err = client.NewStreamableHttpClient(serverURL)
	}
	if err != nil {
		return ConnectResult{}, fmt.Errorf("failed to create mcp client: %w", err)
	}
	sc.client = cli
	m.register(sc)

	if err := m.initialize(ctx, sc); err != nil {
		if client.IsOAuthAuthorizationRequiredError(err) {
			return m.beginAuth(ctx, sc, err)
		}
		sc.setState(StateFailed)
		return ConnectResult{ID: id, State: StateFailed}, fmt.Errorf("failed to connect to mcp server %s: %w", serverURL, err)
	}

	sc.setState(StateReady)
	m.discover(ctx, sc)
	m.persist(ctx, sc)
	m.log.Info("mcp server connected",
		zap.String("server_id", id), zap.String("server_url", serverURL))
	return ConnectResult{ID: id, State: StateReady, ClientID: sc.currentClientID()}, nil
}

// resumeWithCode finishes a pending OAuth flow with an authorization code
// delivered out of band, against the stored connection's own handler.
func (m *Manager) resumeWithCode(ctx context.Context, rec *Reconnect) (ConnectResult, error) {
	sc := m.get(rec.ID)
	if sc == nil {
		return ConnectResult{}, errNoConn(rec.ID)
	}
	if st := sc.currentState(); st != StateAuthenticating {
		return ConnectResult{ID: sc.id, State: st},
			errors.New("Failed to authenticate: the client isn't in the `authenticating` state")
	}
	if err := m.finalizeAuth(ctx, sc, rec.OAuthCode, sc.authState()); err != nil {
		return ConnectResult{ID: sc.id, State: sc.currentState()}, err
	}
	return ConnectResult{ID: sc.id, State: StateReady, ClientID: sc.currentClientID()}, nil
}

// beginAuth transitions a connection into the OAuth flow.
func (m *Manager) beginAuth(ctx context.Context, sc *serverConn, authErr error) (ConnectResult, error) {
	if m.baseURL == "" {
		m.warnNoAuthOnce(sc.serverURL)
		sc.setState(StateFailed)
		return ConnectResult{ID: sc.id, State: StateFailed},
			fmt.Errorf("mcp server %s requires authorization but no callback base URL is configured", sc.serverURL)
	}

	handler := client.GetOAuthHandler(authErr)

	sc.mu.Lock()
	sc.handler = handler
	sc.state = StateAuthenticating
	sc.mu.Unlock()

	if sc.clientID == "" {
		if err := handler.RegisterClient(ctx, clientName); err != nil {
			sc.setState(StateFailed)
			return ConnectResult{ID: sc.id, State: StateFailed},
				fmt.Errorf("failed to register oauth client: %w", err)
		}
		if cid := handler.GetClientID(); cid != "" {
			sc.mu.Lock()
			sc.clientID = cid
			sc.mu.Unlock()
		}
	}

	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		sc.setState(StateFailed)
		return ConnectResult{ID: sc.id, State: StateFailed}, err
	}
	state, err := client.GenerateState()
	if err != nil {
		sc.setState(StateFailed)
		return ConnectResult{ID: sc.id, State: StateFailed}, err
	}

	authURL, err := handler.GetAuthorizationURL(ctx, state, client.GenerateCodeChallenge(verifier))
	if err != nil {
		sc.setState(StateFailed)
		return ConnectResult{ID: sc.id, State: StateFailed},
			fmt.Errorf("failed to build authorization url: %w", err)
	}

	sc.mu.Lock()
	sc.codeVerifier = verifier
	sc.oauthState = state
	sc.authURL = authURL
	sc.mu.Unlock()

	m.persist(ctx, sc)
	m.log.Info("mcp server requires authorization",
		zap.String("server_id", sc.id), zap.String("server_url", sc.serverURL))
	return ConnectResult{ID: sc.id, State: StateAuthenticating, AuthURL: authURL, ClientID: sc.currentClientID()}, nil
}

// initialize starts the transport and runs the MCP initialize handshake.
func (m *Manager) initialize(ctx context.Context, sc *serverConn) error {
	if err := sc.client.Start(ctx); err != nil {
		return err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1.0.0"}

	result, err := sc.client.Initialize(ctx, initReq)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	sc.instructions = result.Instructions
	sc.mu.Unlock()
	return nil
}

// discover loads the server's capability lists. Servers are free to lack
// any of them, so per-list failures are ignored.
func (m *Manager) discover(ctx context.Context, sc *serverConn) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if res, err := sc.client.ListTools(ctx, mcp.ListToolsRequest{}); err == nil {
		sc.tools = res.Tools
	}
	if res, err := sc.client.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
		sc.prompts = res.Prompts
	}
	if res, err := sc.client.ListResources(ctx, mcp.ListResourcesRequest{}); err == nil {
		sc.resources = res.Resources
	}
	if res, err := sc.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{}); err == nil {
		sc.templates = res.ResourceTemplates
	}
}

// Restore re-establishes connections persisted in the store. Servers that
// still need authorization come back in the authenticating state.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := m.store.ListMCPServers(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var opts persistedOptions
		_ = json.Unmarshal([]byte(row.ServerOptions), &opts)

		// A server still gating on OAuth comes back as authenticating
		// with a fresh authorization URL; the old pending flow is void
		// once the process restarts.
		if _, err := m.Connect(ctx, row.ServerURL, ConnectOptions{
			Name:      opts.Name,
			Reconnect: &Reconnect{ID: row.ID, OAuthClientID: row.ClientID},
		}); err != nil {
			m.log.Warn("failed to restore mcp server",
				zap.String("server_id", row.ID),
				zap.String("server_url", row.ServerURL),
				zap.Error(err))
		}
	}
	return nil
}

// Servers returns every connection summary in insertion order.
func (m *Manager) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(m.order))
	for _, id := range m.order {
		sc := m.conns[id]
		sc.mu.Lock()
		infos = append(infos, ServerInfo{
			ID:           sc.id,
			Name:         sc.name,
			ServerURL:    sc.serverURL,
			State:        sc.state,
			AuthURL:      sc.authURL,
			Instructions: sc.instructions,
		})
		sc.mu.Unlock()
	}
	return infos
}

// CloseConnection tears down one connection and removes its binding.
func (m *Manager) CloseConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	sc, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		delete(m.callbacks, sc.callbackURL)
		for n, o := range m.order {
			if o == id {
				m.order = append(m.order[:n], m.order[n+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcp server connection %s not found", id)
	}

	if sc.client != nil {
		_ = sc.client.Close()
	}
	return m.store.DeleteMCPServer(ctx, id)
}

// CloseAllConnections tears down every live connection but keeps the
// persisted bindings so a later hydration can restore them.
func (m *Manager) CloseAllConnections() {
	m.mu.Lock()
	conns := make([]*serverConn, 0, len(m.conns))
	for _, sc := range m.conns {
		conns = append(conns, sc)
	}
	m.conns = make(map[string]*serverConn)
	m.callbacks = make(map[string]string)
	m.order = nil
	m.mu.Unlock()

	for _, sc := range conns {
		if sc.client != nil {
			_ = sc.client.Close()
		}
	}
}

func (m *Manager) register(sc *serverConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[sc.id]; !exists {
		m.order = append(m.order, sc.id)
	}
	m.conns[sc.id] = sc
	if sc.callbackURL != "" {
		m.callbacks[sc.callbackURL] = sc.id
	}
}

func (m *Manager) get(id string) *serverConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

func (m *Manager) persist(ctx context.Context, sc *serverConn) {
	sc.mu.Lock()
	opts, _ := json.Marshal(persistedOptions{Name: sc.name})
	row := storage.MCPServer{
		ID:            sc.id,
		Name:          sc.name,
		ServerURL:     sc.serverURL,
		CallbackURL:   sc.callbackURL,
		ClientID:      sc.clientID,
		AuthURL:       sc.authURL,
		ServerOptions: string(opts),
	}
	sc.mu.Unlock()

	if err := m.store.PutMCPServer(ctx, row); err != nil {
		m.log.Error("failed to persist mcp server binding",
			zap.String("server_id", sc.id), zap.Error(err))
	}
}

// warnNoAuthOnce logs the missing-auth-provider condition a single time
// per manager rather than once per reconnect attempt.
func (m *Manager) warnNoAuthOnce(serverURL string) {
	m.mu.Lock()
	warned := m.warnedNoAuth
	m.warnedNoAuth = true
	m.mu.Unlock()
	if !warned {
		m.log.Warn("mcp server requires authorization but no callback base URL is configured",
			zap.String("server_url", serverURL))
	}
}

func (sc *serverConn) setState(s ConnState) {
	sc.mu.Lock()
	sc.state = s
	sc.mu.Unlock()
}

func (sc *serverConn) currentState() ConnState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

func (sc *serverConn) authState() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.oauthState
}

func (sc *serverConn) currentClientID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.clientID
}

// newServerID mints the short token identifying one server connection; it
// is also the trailing path segment of the connection's callback URL.
func newServerID() string {
	return uuid.NewString()[:8]
}

// errNoConn is reused by lookups on unknown server ids.
func errNoConn(id string) error {
	return errors.New("mcp server connection " + id + " not found")
}
