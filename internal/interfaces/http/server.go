// Package http exposes the expense workflow over a JSON API.
// Handlers only translate between HTTP and the application services.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/garyjia/expense-approval/internal/application/service"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Services are the application services behind the API
type Services struct {
	Expenses service.ExpenseService
	Rules    service.RuleService
	Reports  service.ReportService
	Users    service.UserService
}

// HealthFunc reports component health for GET /health
type HealthFunc func(ctx context.Context) (healthy bool, details interface{})

// Option configures the server
type Option func(*Server)

// WithMetricsHandler serves h on GET /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHealth replaces the default always-healthy check
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	services   Services
	metrics    http.Handler
	health     HealthFunc
	logger     Logger
}

// NewServer creates a new HTTP server with the given services
func NewServer(config ServerConfig, services Services, logger Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		config:   config,
		router:   gin.New(),
		services: services,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware keeps a caller supplied request id or assigns one
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		kv := []interface{}{
			"method", method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString("request_id"),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.String())
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("HTTP request", kv...)
			return
		}
		s.logger.Info("HTTP request", kv...)
	}
}

func (s *Server) setupRoutes() {
	h := NewHandlers(s.services, s.logger)

	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.router.Group("/api")
	{
		api.POST("/expenses", h.SubmitExpense)
		api.GET("/expenses/:id", h.GetExpense)
		api.POST("/approvals/:id/decision", h.DecideApproval)
		api.GET("/approvers/:id/approvals", h.ListApproverInbox)
		api.GET("/employees/:id/expenses", h.ListEmployeeExpenses)
		api.GET("/managers/:id/team-expenses", h.ListTeamExpenses)

		api.POST("/users", h.CreateUser)
		api.GET("/users/:id", h.GetUser)
		api.PUT("/users/:id", h.UpdateUser)
		api.GET("/companies/:id/users", h.ListUsers)
		api.GET("/companies/:id/expenses", h.ListCompanyExpenses)

		api.POST("/rules", h.CreateRule)
		api.GET("/companies/:id/rules", h.ListRules)
		api.GET("/companies/:id/export", h.DownloadLedger)
		api.POST("/companies/:id/export", h.ArchiveLedger)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	healthy, details := true, interface{}(nil)
	if s.health != nil {
		healthy, details = s.health(c.Request.Context())
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, Response{
		Success: healthy,
		Data: HealthResponse{
			Status:     state,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Components: details,
		},
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.Address(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.shutdown()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

func (s *Server) shutdown() error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
