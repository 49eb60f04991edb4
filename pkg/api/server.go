// Package api is the HTTP surface: submission endpoints, session and item
// lookups, the SSE stream, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platelens/platelens/pkg/database"
	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/models"
	"github.com/platelens/platelens/pkg/pipeline"
	"github.com/platelens/platelens/pkg/worker"
)

// Processor accepts menu image submissions.
type Processor interface {
	Process(ctx context.Context, sessionID string, image []byte, filename string) (*pipeline.Result, error)
}

// SessionGetter reads session state for the status endpoint.
type SessionGetter interface {
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
}

// ItemGetter reads menu items for the lookup endpoints.
type ItemGetter interface {
	GetByID(ctx context.Context, itemID string) (*models.MenuItem, error)
	ListBySession(ctx context.Context, sessionID string) ([]*models.MenuItem, error)
}

// Pinger reports bus liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolReporter exposes the worker pool snapshot for the health endpoint.
type PoolReporter interface {
	Health(ctx context.Context) worker.PoolHealth
}

// Server hosts the HTTP API.
type Server struct {
	http      *http.Server
	processor Processor
	sessions  SessionGetter
	items     ItemGetter
	gateway   *events.Gateway
	db        *database.Client
	busPing   Pinger
	pool      PoolReporter
}

// NewServer wires the router and returns a server listening on addr once
// Start is called.
func NewServer(addr string, processor Processor, sessions SessionGetter, items ItemGetter, gateway *events.Gateway, db *database.Client, busPing Pinger, pool PoolReporter) *Server {
	s := &Server{
		processor: processor,
		sessions:  sessions,
		items:     items,
		gateway:   gateway,
		db:        db,
		busPing:   busPing,
		pool:      pool,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	router.GET("/healthz", s.health)

	pipelineGroup := router.Group("/pipeline")
	{
		pipelineGroup.POST("/process", s.processNewSession)
		pipelineGroup.POST("/process-with-session", s.processWithSession)
		pipelineGroup.GET("/session/:session_id/status", s.sessionStatus)
		pipelineGroup.GET("/session/:session_id/items", s.sessionItems)
		pipelineGroup.GET("/menu-item/:item_id", s.menuItem)
	}

	router.GET("/sse/stream/:session_id", s.stream)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// health reports database and bus liveness.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "healthy"}

	dbHealth, err := database.Health(ctx, s.db.Pool())
	body["database"] = dbHealth
	if err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database_error"] = err.Error()
	}

	if err := s.busPing.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["bus_error"] = err.Error()
	} else {
		body["bus"] = "ok"
	}

	if s.pool != nil {
		body["workers"] = s.pool.Health(ctx)
	}

	c.JSON(status, body)
}

// requestLogger logs one line per request with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
