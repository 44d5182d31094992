package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/health"
	"github.com/lab-validation-server/internal/middleware"
	"github.com/lab-validation-server/internal/monitoring"
	"github.com/lab-validation-server/internal/service"
)

// Services are the components the HTTP surface drives.
type Services struct {
	Controller *service.LifecycleController
	Drafts     *service.DraftStore
	Queues     *service.QueueBoard
	Audit      domain.AuditLog
	Health     *health.Checker
	Metrics    *monitoring.Metrics
}

// Server represents the HTTP server
type Server struct {
	config   domain.ServerConfig
	services Services
	logger   *logrus.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(config domain.ServerConfig, debug bool, services Services, logger *logrus.Logger) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.CorrelationID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Metrics(services.Metrics))
	router.Use(middleware.SecurityHeaders())

	s := &Server{
		config:   config,
		services: services,
		logger:   logger,
		router:   router,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.services.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.services.Metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.RequestTimeout(s.config.RequestTimeout))
	{
		v1.GET("/queues", s.handleQueues)

		orders := v1.Group("/orders/:orderId")
		orders.GET("", s.handleGetOrder)
		orders.POST("/submit", s.handleSubmit)
		orders.POST("/approve", s.handleApprove)
		orders.POST("/retest", s.handleRetest)
		orders.GET("/audit", s.handleAudit)

		tests := orders.Group("/tests/:testId")
		tests.POST("/worksheet", s.handleOpenWorksheet)
		tests.DELETE("/worksheet", s.handleResetWorksheet)
		tests.PUT("/values/:parameterId", s.handleEnterValue)
		tests.POST("/drafts", s.handleSaveDrafts)
		tests.GET("/drafts", s.handleLoadDrafts)
	}
}
