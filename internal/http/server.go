// Package http provides the REST API for memvault.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/pipeline"
	"github.com/fyrsmithlabs/memvault/internal/secrets"
)

// Store is the part of the content store the API writes and lists.
type Store interface {
	PutText(ctx context.Context, content string, opts memstore.PutOptions) (*memstore.Object, error)
	PutBytes(ctx context.Context, content []byte, opts memstore.PutOptions) (*memstore.Object, error)
	List(ctx context.Context, filter memstore.ListFilter) ([]*memstore.Object, error)
	Stats(ctx context.Context) (*memstore.Stats, error)
}

// Deps are the components the API serves. Pipeline and Scrubber are
// optional.
type Deps struct {
	Store    Store
	Gateway  *fetch.Gateway
	Pipeline *pipeline.Pipeline
	Scrubber secrets.Scrubber
}

// Server provides HTTP endpoints for memvault.
type Server struct {
	echo     *echo.Echo
	store    Store
	gateway  *fetch.Gateway
	pipeline *pipeline.Pipeline
	scrubber secrets.Scrubber
	prom     *promMetrics
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Version is reported by /api/v1/status.
	Version string

	// BodyLimit caps request bodies, in echo's size notation.
	BodyLimit string
}

// DefaultConfig returns the default listen address and limits.
func DefaultConfig() *Config {
	return &Config{
		Host:      "127.0.0.1",
		Port:      9191,
		Version:   "dev",
		BodyLimit: "32M",
	}
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Gateway == nil {
		return nil, errors.New("fetch gateway cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = DefaultConfig().BodyLimit
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.NoopScrubber{}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		store:    deps.Store,
		gateway:  deps.Gateway,
		pipeline: deps.Pipeline,
		scrubber: deps.Scrubber,
		prom:     newPromMetrics(deps.Store),
		logger:   logger,
		config:   cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(s.requestLogger())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(s.prom.middleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := statusOf(c, err)

			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
			if status >= http.StatusInternalServerError {
				s.logger.Error("http request", append(fields, zap.Error(err))...)
			} else {
				s.logger.Info("http request", fields...)
			}
			return err
		}
	}
}

// statusOf returns the status a request will be answered with. Handler
// errors have not reached the error handler yet when middleware sees them.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.prom.handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/memories", s.handleListMemories)
	v1.POST("/memories", s.handlePutMemory)
	v1.GET("/memories/:id", s.handleGetMemory)
	v1.POST("/fetch", s.handleFetch)
	v1.POST("/turn", s.handleTurn)
	v1.POST("/scrub", s.handleScrub)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
