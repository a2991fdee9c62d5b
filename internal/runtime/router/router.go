// Package router exposes agents over HTTP: it parses the
// /<prefix>/<class-kebab>/<name>[/<tail>] grammar, applies CORS, upgrades
// WebSockets, demultiplexes MCP OAuth callbacks, and forwards everything
// else to the instance's request handler.
package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/registry"
)

// defaultCORSHeaders are applied when CORS is enabled without a custom
// header map.
var defaultCORSHeaders = map[string]string{
	"Access-Control-Allow-Origin":      "*",
	"Access-Control-Allow-Methods":     "GET, POST, HEAD, OPTIONS",
	"Access-Control-Allow-Credentials": "true",
}

// Router mounts the agent routes onto a gin engine.
type Router struct {
	reg    *registry.Registry
	prefix string
	cors   map[string]string
	log    *logger.Logger
}

// New builds a router over the registry. A non-empty cfg.CORSHeaders map
// replaces the default CORS headers verbatim.
func New(reg *registry.Registry, cfg config.RoutingConfig, log *logger.Logger) *Router {
	var cors map[string]string
	if cfg.CORS {
		cors = defaultCORSHeaders
		if len(cfg.CORSHeaders) > 0 {
			cors = cfg.CORSHeaders
		}
	}
	return &Router{
		reg:    reg,
		prefix: strings.Trim(cfg.Prefix, "/"),
		cors:   cors,
		log:    log.WithFields(zap.String("component", "router")),
	}
}

// Mount registers the agent routes.
func (rt *Router) Mount(engine *gin.Engine) {
	group := engine.Group("/" + rt.prefix)
	group.Use(rt.corsMiddleware())
	group.Any("/:class/:name", rt.handleAgent)
	group.Any("/:class/:name/*tail", rt.handleAgent)
}

// corsMiddleware stamps the configured headers on every matched response
// and terminates preflight requests with 200.
func (rt *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for k, v := range rt.cors {
			c.Header(k, v)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (rt *Router) handleAgent(c *gin.Context) {
	if rt.serveOAuthCallback(c) {
		return
	}

	class := c.Param("class")
	name := c.Param("name")
	tail := c.Param("tail")
	if tail == "" {
		tail = "/"
	}

	inst, err := rt.reg.Get(c.Request.Context(), class, name)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownClass) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent class: " + class})
			return
		}
		rt.log.Error("failed to hydrate agent instance",
			zap.String("class", class), zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}

	r := c.Request
	switch {
	case websocket.IsWebSocketUpgrade(r):
		inst.HandleWebSocket(c.Writer, r)

	case r.Method == http.MethodPost && tail == "/_email":
		inst.HandleEmail(c.Writer, r)

	default:
		// The agent sees paths relative to itself.
		agentReq := r.Clone(r.Context())
		agentReq.URL.Path = tail
		agentReq.URL.RawPath = ""
		inst.HandleRequest(c.Writer, agentReq)
	}
}

// serveOAuthCallback routes provider redirects to the MCP manager that
// registered the matching callback URL. Callback URLs live under the
// agent prefix, so the demux runs before class resolution.
func (rt *Router) serveOAuthCallback(c *gin.Context) bool {
	if c.Request.Method != http.MethodGet {
		return false
	}
	for _, inst := range rt.reg.Instances() {
		m := inst.MCP()
		if !m.IsCallbackRequest(c.Request) {
			continue
		}
		serverID, err := m.HandleCallbackRequest(c.Request.Context(), c.Request)
		if err != nil {
			status := http.StatusInternalServerError
			if strings.HasPrefix(err.Error(), "Unauthorized") {
				status = http.StatusUnauthorized
			}
			c.String(status, err.Error())
			return true
		}
		rt.log.Info("mcp oauth callback completed", zap.String("server_id", serverID))
		c.String(http.StatusOK, "Authentication successful. You can close this window.")
		return true
	}
	return false
}
