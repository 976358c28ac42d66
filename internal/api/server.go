package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/assessment"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/metrics"
	"github.com/pharmacy-cdss-server/internal/middleware"
	"github.com/pharmacy-cdss-server/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	analysis      *service.AnalysisService
	assessments   assessment.Store
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance. assessments may be nil, in
// which case the assessment endpoints answer 503.
func NewServer(configManager domain.ConfigManager, analysis *service.AnalysisService, assessments assessment.Store, logger *logrus.Logger) (*Server, error) {
	if analysis == nil {
		return nil, errors.New("analysis service is required")
	}
	cfg := configManager.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger(logger))
	router.Use(metrics.GinMiddleware())
	router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))

	if cfg.Server.RateLimit > 0 {
		limiter, err := middleware.NewClientRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		router.Use(middleware.RateLimit(limiter))
	}

	server := &Server{
		configManager: configManager,
		analysis:      analysis,
		assessments:   assessments,
		logger:        logger,
		router:        router,
	}

	server.setupRoutes()

	return server, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
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
		var err error
		if cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.WithFields(logrus.Fields{
		"addr": addr,
		"tls":  cfg.TLSEnabled,
	}).Info("HTTP server listening")

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/metrics", gin.WrapH(metrics.Handler()))
		v1.GET("/taxonomy", s.handleTaxonomy)
		v1.POST("/evaluate", s.handleEvaluate)
		v1.POST("/report", s.handleEvaluateReport)
		v1.GET("/patients/:id/analysis", s.handlePatientAnalysis)
		v1.GET("/patients/:id/report", s.handlePatientReport)
		v1.GET("/patients/:id/assessments", s.handleListAssessments)
		v1.POST("/assessments", s.handleSaveAssessment)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}
