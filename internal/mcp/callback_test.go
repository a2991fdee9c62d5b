package mcp

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, "http://localhost:8080/agents/mcp/callback", logger.Default())
}

// addPendingConn registers a connection stuck mid-auth, the shape the
// callback handler has to finish.
func addPendingConn(m *Manager, id string, state ConnState) *serverConn {
	sc := &serverConn{
		id:          id,
		name:        "srv",
		serverURL:   "https://mcp.example.com/mcp",
		callbackURL: m.baseURL + "/" + id,
		state:       state,
	}
	m.register(sc)
	return sc
}

func TestIsCallbackRequestMatchesByPathPrefix(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateAuthenticating)

	req := httptest.NewRequest("GET", "/agents/mcp/callback/S?code=abc&state=xyz", nil)
	assert.True(t, m.IsCallbackRequest(req))

	assert.False(t, m.IsCallbackRequest(httptest.NewRequest("GET", "/agents/other/path", nil)))
	assert.False(t, m.IsCallbackRequest(httptest.NewRequest("POST", "/agents/mcp/callback/S", nil)))
}

func TestHandleCallbackMissingCode(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateAuthenticating)

	req := httptest.NewRequest("GET", "/agents/mcp/callback/S?state=xyz", nil)
	_, err := m.HandleCallbackRequest(context.Background(), req)
	require.EqualError(t, err, "Unauthorized: no code provided")
}

func TestHandleCallbackMissingState(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateAuthenticating)

	req := httptest.NewRequest("GET", "/agents/mcp/callback/S?code=abc", nil)
	_, err := m.HandleCallbackRequest(context.Background(), req)
	require.EqualError(t, err, "Unauthorized: no state provided")
}

func TestHandleCallbackNoMatch(t *testing.T) {
	m := newTestManager(t)

	req := httptest.NewRequest("GET", "/agents/unrelated?code=abc&state=xyz", nil)
	_, err := m.HandleCallbackRequest(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No callback URI match found for the request url: ")
}

func TestHandleCallbackWrongState(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateReady)

	req := httptest.NewRequest("GET", "/agents/mcp/callback/S?code=abc&state=xyz", nil)
	_, err := m.HandleCallbackRequest(context.Background(), req)
	require.EqualError(t, err, "Failed to authenticate: the client isn't in the `authenticating` state")
}

func TestHandleCallbackWithoutAuthProvider(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateAuthenticating)

	req := httptest.NewRequest("GET", "/agents/mcp/callback/S?code=abc&state=xyz", nil)
	_, err := m.HandleCallbackRequest(context.Background(), req)
	require.EqualError(t, err, "Trying to finalize authentication for a server connection without an authProvider")
}

func TestConnectResumeRoutesToPendingConnection(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateAuthenticating)

	// The replayed code has to land on the stored connection. This one
	// never issued an authorization URL, so finishing fails on its
	// missing handler rather than on a freshly built client.
	_, err := m.Connect(context.Background(), "https://mcp.example.com/mcp", ConnectOptions{
		Reconnect: &Reconnect{ID: "S", OAuthCode: "abc"},
	})
	require.EqualError(t, err, "Trying to finalize authentication for a server connection without an authProvider")
}

func TestConnectResumeUnknownConnection(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Connect(context.Background(), "https://mcp.example.com/mcp", ConnectOptions{
		Reconnect: &Reconnect{ID: "missing", OAuthCode: "abc"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestConnectResumeRequiresAuthenticatingState(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "S", StateReady)

	_, err := m.Connect(context.Background(), "https://mcp.example.com/mcp", ConnectOptions{
		Reconnect: &Reconnect{ID: "S", OAuthCode: "abc"},
	})
	require.EqualError(t, err, "Failed to authenticate: the client isn't in the `authenticating` state")
}

func TestNewServerIDShape(t *testing.T) {
	id := newServerID()
	assert.Len(t, id, 8)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, newServerID())
}

func TestPersistCarriesClientID(t *testing.T) {
	m := newTestManager(t)
	sc := addPendingConn(m, "S", StateAuthenticating)
	sc.clientID = "client-123"

	m.persist(context.Background(), sc)

	rows, err := m.store.ListMCPServers(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "client-123", rows[0].ClientID)
}

func TestServersReportsInsertionOrder(t *testing.T) {
	m := newTestManager(t)
	addPendingConn(m, "a", StateReady)
	addPendingConn(m, "b", StateAuthenticating)
	addPendingConn(m, "c", StateFailed)

	infos := m.Servers()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.Equal(t, "c", infos[2].ID)
	assert.Equal(t, StateAuthenticating, infos[1].State)
}

func TestCloseUnknownConnection(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.CloseConnection(context.Background(), "missing"))
}
