package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/agent"
	"github.com/agenthost/agenthost/internal/runtime/registry"
)

type routedAgent struct {
	agent.Base
}

func setup(t *testing.T, routing config.RoutingConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(registry.Config{}, logger.Default())
	t.Cleanup(reg.Shutdown)
	require.NoError(t, reg.RegisterClass(&agent.Class{
		Name: "TestAgent",
		New:  func() agent.Agent { return &routedAgent{} },
	}))

	engine := gin.New()
	New(reg, routing, logger.Default()).Mount(engine)
	return engine
}

func defaultRouting() config.RoutingConfig {
	return config.RoutingConfig{Prefix: "agents", CORS: true}
}

func TestCORSPreflight(t *testing.T) {
	engine := setup(t, defaultRouting())

	req := httptest.NewRequest(http.MethodOptions, "/agents/test-agent/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, HEAD, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSCustomHeadersOverrideVerbatim(t *testing.T) {
	engine := setup(t, config.RoutingConfig{
		Prefix: "agents",
		CORS:   true,
		CORSHeaders: map[string]string{
			"Access-Control-Allow-Origin": "https://app.example.com",
		},
	})

	req := httptest.NewRequest(http.MethodOptions, "/agents/test-agent/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	// The custom map replaces the defaults entirely.
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORSDisabled(t *testing.T) {
	engine := setup(t, config.RoutingConfig{Prefix: "agents"})

	req := httptest.NewRequest(http.MethodGet, "/agents/test-agent/x/getState", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownClassIs404(t *testing.T) {
	engine := setup(t, defaultRouting())

	req := httptest.NewRequest(http.MethodGet, "/agents/no-such-class/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNonPrefixedPathNotRouted(t *testing.T) {
	engine := setup(t, defaultRouting())

	req := httptest.NewRequest(http.MethodGet, "/other/test-agent/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestForwardedWithAgentRelativePath(t *testing.T) {
	engine := setup(t, defaultRouting())

	// Built-in endpoints resolve against the tail, not the full path.
	req := httptest.NewRequest(http.MethodPost, "/agents/test-agent/alice/setState",
		strings.NewReader(`{"routed":true}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/agents/test-agent/alice/getState", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"routed":true}`, rec.Body.String())
}

func TestInstanceNamesAreIsolated(t *testing.T) {
	engine := setup(t, defaultRouting())

	req := httptest.NewRequest(http.MethodPost, "/agents/test-agent/alice/setState",
		strings.NewReader(`{"who":"alice"}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/agents/test-agent/bob/getState", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestBareAgentPathRoutes(t *testing.T) {
	engine := setup(t, defaultRouting())

	// No tail: the agent sees "/" and answers JSON-RPC there.
	req := httptest.NewRequest(http.MethodPost, "/agents/test-agent/alice",
		strings.NewReader(`{"jsonrpc":"2.0","method":"missing","params":[],"id":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32601")
}