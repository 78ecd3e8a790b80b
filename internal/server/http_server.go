// Package server is Sibyl's ambient HTTP admin surface: the
// health/stats/rebuild-index/audit-worktrees operations of the manage
// tool, exposed over gin with the standard middleware chain (CORS,
// recovery, request logging). Chat/REST routing belongs to the
// caller's own REST/MCP layer, not this core.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/agent"
	"github.com/sibyl-platform/sibyl/internal/middleware"
	"github.com/sibyl-platform/sibyl/internal/tenant"
	"github.com/sibyl-platform/sibyl/internal/tooldispatch"
)

// Config configures the admin HTTP surface.
type Config struct {
	Port string
}

// Server is the thin admin surface fronting a tooldispatch.Dispatcher.
// It carries none of the domain logic itself: every admin route
// resolves a tenant scope and calls straight into the dispatcher, and
// the agent stream route hands the connection to the agent.StreamHub.
type Server struct {
	engine *gin.Engine
	http *http.Server
	logger *zap.Logger
}

// New builds the admin server, wiring the standard middleware chain
// (CORS, JWT-derived tenant scope, request logging) ahead of the
// manage-tool admin routes.
func New(cfg Config, dispatcher *tooldispatch.Dispatcher, streams *agent.StreamHub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(middleware.OptionalJWTMiddleware())

	admin := r.Group("/admin")
	admin.GET("/health", adminHandler(dispatcher, tooldispatch.AdminHealth))
	admin.GET("/stats", adminHandler(dispatcher, tooldispatch.AdminStats))
	admin.POST("/rebuild-index", adminHandler(dispatcher, tooldispatch.AdminRebuildIndex))
	admin.POST("/audit-worktrees", adminHandler(dispatcher, tooldispatch.AdminAuditWorktrees))

	if streams != nil {
		r.GET("/agents/:id/stream", func(c *gin.Context) {
			if err := streams.ServeHTTP(c.Request.Context(), c.Param("id"), c.Writer, c.Request); err != nil {
				logger.Warn("agent stream closed with error", zap.String("agent_id", c.Param("id")), zap.Error(err))
			}
		})
	}

	return &Server{engine: r, logger: logger}
}

func adminHandler(d *tooldispatch.Dispatcher, action tooldispatch.AdminAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := tenant.FromContext(c.Request.Context(), string(action))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
			return
		}
		result, err := d.RunAdmin(c.Request.Context(), scope.OrganizationID, action)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully within a 5s budget.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	s.http = &http.Server{Addr: fmt.Sprintf(":%s", cfg.Port), Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("admin server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
