// Package http is the thin gin adapter over the workflow engine and the
// inbox. It translates requests into engine calls and never holds state of
// its own.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/exef-pl/faktury/internal/inbox"
	"github.com/exef-pl/faktury/internal/workflow"
)

// Logger interface for logging operations.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server adapter.
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	logger     Logger
}

// NewServer creates the HTTP server over the given engine and inbox.
func NewServer(config ServerConfig, engine *workflow.Engine, box *inbox.Inbox, logger Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		config: config,
		router: router,
		logger: logger,
	}

	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())

	handlers := NewHandlers(engine, box, logger)
	s.setupRoutes(handlers)
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) setupRoutes(h *Handlers) {
	s.router.GET("/health", h.HealthCheck)

	api := s.router.Group("/api")
	{
		api.GET("/invoices", h.ListInvoices)
		api.POST("/invoices", h.UploadInvoice)
		api.POST("/invoices/purge", h.PurgeEmpty)
		api.GET("/invoices/:id", h.GetInvoice)
		api.PATCH("/invoices/:id", h.UpdateInvoice)
		api.DELETE("/invoices/:id", h.DeleteInvoice)
		api.GET("/invoices/:id/file", h.DownloadFile)

		api.POST("/invoices/:id/process", h.ProcessInvoice)
		api.POST("/invoices/:id/approve", h.ApproveInvoice)
		api.POST("/invoices/:id/reject", h.RejectInvoice)
		api.POST("/invoices/:id/book", h.BookInvoice)
		api.PUT("/invoices/:id/project", h.AssignProject)
		api.PUT("/invoices/:id/expense-type", h.AssignExpenseType)
		api.PUT("/invoices/:id/labels", h.AssignLabels)

		api.GET("/stats", h.GetStats)

		api.GET("/export/formats", h.ListExportFormats)
		api.GET("/export/:format", h.ExportApproved)

		api.PUT("/config/connections", h.ConfigureConnections)
		api.PUT("/config/email", h.ConfigureEmailAccounts)
		api.PUT("/config/ksef-token", h.SetKsefToken)
		api.PUT("/config/ocr", h.ConfigureOcr)
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing).
func (s *Server) Router() *gin.Engine {
	return s.router
}
