// Package api hosts the HTTP server wrapping the MCP endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// HealthFunc reports per-component health, keyed by component name.
type HealthFunc func(ctx context.Context) map[string]string

// Server wires gin middleware around the MCP handler plus the health and
// metrics endpoints.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	handler *mcp.Handler
	health  HealthFunc
	logger  observability.Logger
}

// NewServer builds the HTTP server from configuration.
func NewServer(cfg *config.Config, handler *mcp.Handler, health HealthFunc,
	logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger.WithPrefix("api")))
	router.Use(MetricsMiddleware(metrics))

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		}))
	}
	if cfg.CORSOrigins != "" {
		router.Use(CORSMiddleware(cfg.CORSOrigins))
	}

	s := &Server{
		router:  router,
		handler: handler,
		health:  health,
		logger:  logger,
		server: &http.Server{
			Addr:    cfg.ListenAddress,
			Handler: router,
			// The MCP handler enforces the per-request budget itself; these
			// only bound slow clients.
			ReadTimeout:  30 * time.Second,
			WriteTimeout: cfg.RequestTimeout() + 30*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wrapped := gin.WrapH(s.handler)
	for _, path := range []string{"/mcp", "/mcp/"} {
		s.router.POST(path, wrapped)
		s.router.GET(path, wrapped)
		s.router.DELETE(path, wrapped)
		s.router.OPTIONS(path, wrapped)
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("server listening", map[string]interface{}{"addr": s.server.Addr})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	components := map[string]string{}
	if s.health != nil {
		components = s.health(c.Request.Context())
	}

	status := http.StatusOK
	overall := "healthy"
	for _, state := range components {
		if state != "ok" && state != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
			break
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"sessions":   s.handler.SessionCount(),
	})
}
