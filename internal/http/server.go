// Package http exposes the orchestration API over HTTP.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/event"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/phase"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/resolver"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server routes API requests to the queue and phase services.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	queue    *queue.Service
	phases   *phase.Service
	resolver *resolver.Resolver
	bus      event.Bus
	logger   *logging.Logger
	config   *Config
}

// NewServer creates the API server and registers all routes.
func NewServer(st *store.Store, q *queue.Service, ph *phase.Service, res *resolver.Resolver, bus event.Bus, logger *logging.Logger, cfg *Config) (*Server, error) {
	if st == nil || q == nil || ph == nil {
		return nil, fmt.Errorf("store, queue and phase services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8420,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger.Zap()).MetricsMiddleware())

	s := &Server{
		echo:     e,
		store:    st,
		queue:    q,
		phases:   ph,
		resolver: res,
		bus:      bus,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/tickets", s.handleCreateTicket)
	v1.GET("/tickets", s.handleListTickets)
	v1.GET("/tickets/:id", s.handleGetTicket)
	v1.GET("/tickets/:id/tasks", s.handleTicketTasks)
	v1.GET("/tickets/:id/gate", s.handleGate)
	v1.POST("/tickets/:id/advance", s.handleAdvance)
	v1.POST("/tickets/:id/spawn", s.handleSpawn)

	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/claim", s.handleClaim)
	v1.PATCH("/tasks/:id/status", s.handleUpdateStatus)
	v1.POST("/tasks/:id/heartbeat", s.handleHeartbeat)
	v1.POST("/tasks/:id/retry", s.handleRetry)
	v1.POST("/tasks/:id/dependencies", s.handleAddDependency)

	v1.GET("/workers/:ref/task", s.handleWorkerTask)
	v1.GET("/events", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
