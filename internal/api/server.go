package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/internal/middleware"
	"github.com/pgx-cds-server/internal/service"
	"github.com/pgx-cds-server/internal/snapshot"
)

// Version is reported by /health.
const Version = "1.0.0"

// KnowledgeBaseManager exposes the knowledge base lifecycle to the API.
type KnowledgeBaseManager interface {
	Current() (*knowledgebase.KnowledgeBase, error)
	Refresh(ctx context.Context) (*knowledgebase.KnowledgeBase, error)
	LoadedAt() time.Time
	SourceName() string
}

// HealthChecker is anything /ready should ping.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies are the components the HTTP API serves.
type Dependencies struct {
	Service       *service.AssessmentService
	KnowledgeBase KnowledgeBaseManager
	// Store is optional; export routes answer 503 without it.
	Store snapshot.Store
	// Database is optional and only checked by /ready.
	Database HealthChecker
	Logger   *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	service       *service.AssessmentService
	kb            KnowledgeBaseManager
	store         snapshot.Store
	database      HealthChecker
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
	upgrader      websocket.Upgrader
	maxBodyBytes  int64
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, deps Dependencies) (*Server, error) {
	if deps.Service == nil || deps.KnowledgeBase == nil {
		return nil, errors.New("api: service and knowledge base are required")
	}
	cfg := configManager.GetConfig()
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	router.Use(middleware.BodyLimit(cfg.Server.MaxBodyBytes))

	if cfg.RateLimit.Enabled {
		limiter, err := middleware.NewRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("creating rate limiter: %w", err)
		}
		router.Use(limiter.Middleware())
	}

	s := &Server{
		configManager: configManager,
		service:       deps.Service,
		kb:            deps.KnowledgeBase,
		store:         deps.Store,
		database:      deps.Database,
		logger:        logger,
		router:        router,
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		},
	}
	s.setupRoutes()
	return s, nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Correlation-ID"},
		ExposeHeaders: []string{"X-Correlation-ID", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || contains(origins, origin)
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("starting server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP API")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/assessments", s.handleAssess)
		v1.GET("/assessments", s.handleListAssessments)
		v1.GET("/assessments/stream", s.handleAssessmentStream)
		v1.GET("/assessments/:id", s.handleGetAssessment)
		v1.GET("/assessments/:id/note", s.handleAssessmentNote)
		v1.DELETE("/assessments/:id", s.handleDeleteAssessment)

		v1.POST("/reports/parse", s.handleParseReport)
		v1.POST("/phenoconversion", s.handlePhenoconversion)

		v1.GET("/medications", s.handleSuggestMedications)
		v1.GET("/medications/:name", s.handleGetMedication)

		v1.GET("/knowledge-base", s.handleKnowledgeBase)
		v1.POST("/knowledge-base/refresh", s.handleRefreshKnowledgeBase)
	}
}
