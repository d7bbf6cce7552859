package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/config"
	"example.com/backstage/services/search/internal/metrics"
	"example.com/backstage/services/search/internal/models"
	"example.com/backstage/services/search/internal/tracing"
)

// QueryService answers raw search queries
type QueryService interface {
	Search(ctx context.Context, raw string) ([]models.Question, error)
}

// Pinger reports whether the search index is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	queries    QueryService
	index      Pinger
	tracer     tracing.Tracer
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, queries QueryService, index Pinger, tracer tracing.Tracer) *Server {
	if tracer == nil {
		tracer = tracing.Noop()
	}

	server := &Server{
		cfg:     cfg,
		router:  gin.New(),
		queries: queries,
		index:   index,
		tracer:  tracer,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	if app := s.tracer.Application(); app != nil {
		s.router.Use(nrgin.Middleware(app))
	}
	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())
	s.router.Use(metrics.Middleware())
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router.GET("/search", s.search)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
