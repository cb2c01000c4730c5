// Package api exposes the pipeline over HTTP: a websocket per session for
// turns and a small REST surface for preview processes.
package api

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sdkforge/internal/events"
	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
	"sdkforge/internal/pipeline"
	"sdkforge/internal/supervisor"
)

// Pipeline is the turn runner behind the transport. *pipeline.Service
// satisfies it.
type Pipeline interface {
	Generate(ctx context.Context, req pipeline.TurnRequest, sink events.Sink) (*pipeline.Result, error)
	Fix(ctx context.Context, req pipeline.TurnRequest, sink events.Sink) (*pipeline.Result, error)
	Plan(ctx context.Context, req pipeline.TurnRequest, sink events.Sink) (*pipeline.Result, error)
	Reload(projectID string) error
	Restart(projectID string) error
	Stop(projectID string) error
	Cleanup(ctx context.Context, projectID string, removeWorkspace bool) error
	Status(projectID string) (supervisor.Status, bool)
	Logs(projectID string) (string, bool)
	Projects() []supervisor.Status
}

// Options configure a Server.
type Options struct {
	// JWTSecret enables token checks on websocket upgrades.
	JWTSecret string
	// AllowedOrigins restricts websocket origins. Empty allows any origin
	// outside production.
	AllowedOrigins []string
	Production     bool
	// HealthCheck reports whether backing services are reachable.
	HealthCheck func(ctx context.Context) error
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// QueueLength bounds the inbound requests waiting behind a running turn.
	QueueLength int
}

// ErrorResponse is the body of every REST error.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Server serves the HTTP and websocket API.
type Server struct {
	pipeline Pipeline
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// baseCtx outlives individual connections so a turn survives a client
	// disconnect; it is cancelled on shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	turns sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(p Pipeline, opts Options, logger *zap.Logger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.QueueLength <= 0 {
		opts.QueueLength = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pipeline: p,
		opts:     opts,
		logger:   logging.OrNamed(logger, "api"),
		metrics:  metrics.Get(),
		baseCtx:  ctx,
		cancel:   cancel,
		conns:    make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), s.accessLog(), s.recovery(), metrics.PrometheusMiddleware())

	r.GET("/health", s.health)
	r.GET("/metrics", metrics.PrometheusHandler())
	r.GET("/ws/sessions/:sessionId", s.handleWebSocket)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/projects", s.listProjects)
		v1.GET("/projects/:id/status", s.projectStatus)
		v1.GET("/projects/:id/logs", s.projectLogs)
		v1.POST("/projects/:id/reload", s.reload)
		v1.POST("/projects/:id/restart", s.restart)
		v1.DELETE("/projects/:id", s.deleteProject)
	}
	return r
}

// Shutdown closes every websocket and waits for running turns, up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Connections returns the number of open websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) health(c *gin.Context) {
	running := 0
	for _, st := range s.pipeline.Projects() {
		if st.Running {
			running++
		}
	}
	status, code := "ok", http.StatusOK
	if s.opts.HealthCheck != nil {
		if err := s.opts.HealthCheck(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":      status,
		"service":     "sdkforge",
		"previews":    running,
		"connections": s.Connections(),
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) listProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": s.pipeline.Projects()})
}

func (s *Server) projectStatus(c *gin.Context) {
	st, ok := s.pipeline.Status(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, "PROJECT_NOT_FOUND", "no preview process for project")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) projectLogs(c *gin.Context) {
	logs, ok := s.pipeline.Logs(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, "PROJECT_NOT_FOUND", "no preview process for project")
		return
	}
	c.String(http.StatusOK, logs)
}

func (s *Server) reload(c *gin.Context) {
	s.keystroke(c, "reload", s.pipeline.Reload)
}

func (s *Server) restart(c *gin.Context) {
	s.keystroke(c, "restart", s.pipeline.Restart)
}

func (s *Server) keystroke(c *gin.Context, action string, send func(string) error) {
	id := c.Param("id")
	if err := send(id); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			abort(c, http.StatusConflict, "NOT_RUNNING", err.Error())
			return
		}
		abort(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": id, "action": action})
}

func (s *Server) deleteProject(c *gin.Context) {
	id := c.Param("id")
	purge := c.Query("purge") == "true"
	if err := s.pipeline.Cleanup(c.Request.Context(), id, purge); err != nil {
		s.logger.Error("Cleanup failed", zap.String("project_id", id), zap.Error(err))
		abort(c, http.StatusInternalServerError, "CLEANUP_FAILED", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     msg,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" {
			return
		}
		s.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("request_id", c.GetString("request_id")),
			zap.ByteString("stack", debug.Stack()),
		)
		abort(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	})
}
