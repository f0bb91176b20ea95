// Package api assembles the gateway's HTTP surface: the gin engine, the
// middleware chain (request ids, CORS, body limit, auth gate, request
// logging), the route table, and graceful shutdown.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudcode-gateway/gateway/internal/api/handlers"
	"github.com/cloudcode-gateway/gateway/internal/api/middleware"
	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/logging"
	log "github.com/sirupsen/logrus"
)

// Server is the gateway's HTTP front end.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer wires the middleware chain and route table around the handler set.
func NewServer(cfg *config.Config, h *handlers.GatewayHandlers, requestLogger logging.RequestLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.BodyLimit())
	engine.Use(middleware.AuthGate(cfg))
	engine.Use(middleware.RequestLoggingMiddleware(requestLogger))

	registerRoutes(engine, h)

	readTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if readTimeout <= 0 {
		readTimeout = 120 * time.Second
	}

	return &Server{
		cfg:    cfg,
		engine: engine,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 30 * time.Second,
			ReadTimeout:       readTimeout,
			// WriteTimeout stays unset: streaming responses may legitimately
			// run for the upstream's full 600s window.
		},
	}
}

func registerRoutes(engine *gin.Engine, h *handlers.GatewayHandlers) {
	engine.GET("/health", healthHandler)
	engine.GET("/healthz", healthHandler)

	v1 := engine.Group("/v1")
	{
		v1.POST("/chat/completions", h.OpenAIChatCompletions)
		v1.POST("/completions", h.OpenAICompletions)
		v1.GET("/models", h.OpenAIModels)
		v1.POST("/images/generations", h.OpenAIImagesGenerations)
		v1.POST("/messages", h.ClaudeMessages)
		v1.POST("/messages/count_tokens", h.ClaudeCountTokens)
	}

	engine.Any("/v1beta/models/:action", h.GeminiPassthrough)
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the underlying engine, primarily for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("api server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
