package web

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skulumani/pupil/internal/config"
	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/health"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/metrics"
	"github.com/skulumani/pupil/internal/pipeline"
	"github.com/skulumani/pupil/internal/service"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/storage"
)

// PipelineController is the live control surface of the detection run
type PipelineController interface {
	Status() pipeline.Status
	Settings() detector.Settings
	UpdateSettings(ctx context.Context, s detector.Settings) error
	MergeSettings(ctx context.Context, values map[string]interface{}) (detector.Settings, []string, error)
	ROI() (image.Rectangle, bool)
	SetROI(ctx context.Context, lowerX, lowerY, upperX, upperY int) error
	ResetROI(ctx context.Context)
	Session() *state.Session
	LastSnapshot() string
}

// Dependencies are the optional collaborators of the server. Routes whose
// dependency is missing answer 503.
type Dependencies struct {
	Pipeline PipelineController
	State    *state.Manager
	Store    *storage.Store
	Health   *health.Manager
	Metrics  *metrics.Metrics
	Config   *config.Service
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	deps       Dependencies
	router     *gin.Engine
	version    string
	startTime  time.Time
	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopEvents context.CancelFunc
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, deps Dependencies, log *logger.Logger) *Server {
	// Debug mode can be enabled via GIN_MODE
	gin.SetMode(gin.ReleaseMode)

	base := service.NewServiceBase("web-server", log)

	router := gin.New()
	router.Use(ginLogger(base.Logger()))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: base,
		config:      cfg,
		deps:        deps,
		router:      router,
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started, or ""
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.Logger().Info("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// WriteTimeout stays 0 for the event stream
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eventCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	srv.BaseContext = func(net.Listener) context.Context { return eventCtx }

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.stopEvents = cancel
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger().Error("Web server error", "address", ln.Addr().String(), "error", err)
			s.GetStatus().SetError(err)
		}
	}()

	s.Logger().Info("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop stops the web server. Open event streams are ended first so the
// graceful shutdown does not wait on them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.stopEvents
	s.httpServer, s.listener, s.stopEvents = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.Logger().Info("Stopping web server")
	cancel()
	return srv.Shutdown(ctx)
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/health/live", s.handleLiveness)
		api.GET("/health/ready", s.handleReadiness)

		api.GET("/status", s.handleStatus)
		api.GET("/config", s.handleGetConfig)
		api.GET("/source/preview", s.handleSourcePreview)
		api.GET("/events", s.handleEvents)

		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)

		roi := api.Group("/roi")
		{
			roi.GET("", s.handleGetROI)
			roi.PUT("", s.handleSetROI)
			roi.DELETE("", s.handleResetROI)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.GET("/:id", s.handleGetSession)
			sessions.DELETE("/:id", s.handleDeleteSession)
			sessions.GET("/:id/results", s.handleSessionResults)
			sessions.GET("/:id/stats", s.handleSessionStats)
			sessions.GET("/:id/snapshots", s.handleListSnapshots)
			sessions.GET("/:id/snapshots/:frame", s.handleGetSnapshot)
		}

		api.GET("/snapshots/latest", s.handleLatestSnapshot)
	}

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	s.router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		c.Redirect(http.StatusFound, "/api/status")
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
