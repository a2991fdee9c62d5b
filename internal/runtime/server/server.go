// Package server assembles the runtime: HTTP engine, agent routes, and
// the instance registry, with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/agent"
	"github.com/agenthost/agenthost/internal/runtime/registry"
	"github.com/agenthost/agenthost/internal/runtime/router"
)

// Server hosts agent classes over HTTP and WebSocket.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	reg    *registry.Registry
	engine *gin.Engine
	http   *http.Server
}

// New assembles a server from configuration. Classes must be registered
// before Run.
func New(cfg *config.Config, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	reg := registry.New(registry.Config{
		DataDir:            cfg.Storage.DataDir,
		IdleEviction:       cfg.Runtime.IdleEvictionDuration(),
		MailboxSize:        cfg.Runtime.MailboxSize,
		MCPCallbackBaseURL: cfg.MCP.CallbackBaseURL,
	}, log)

	router.New(reg, cfg.Routing, log).Mount(engine)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		cfg:    cfg,
		log:    log,
		reg:    reg,
		engine: engine,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}
}

// RegisterClass adds an agent class to the registry.
func (s *Server) RegisterClass(c *agent.Class) error {
	return s.reg.RegisterClass(c)
}

// Registry exposes the instance registry.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Run serves until ctx is canceled, then drains the HTTP server and
// hibernates every live instance.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("agent server listening",
			zap.String("addr", s.http.Addr),
			zap.String("prefix", "/"+s.cfg.Routing.Prefix))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http server shutdown error", zap.Error(err))
		}

		s.reg.Shutdown()
		return nil
	})

	return g.Wait()
}
