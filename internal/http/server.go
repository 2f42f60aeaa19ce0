// Package http serves the taskflow HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/llm"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/run"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

// Runner executes goals. *run.Service implements it.
type Runner interface {
	Run(ctx context.Context, goal string) (*run.Response, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// AllowOrigins defaults to every origin.
	AllowOrigins []string
}

// Deps are the services behind the routes.
type Deps struct {
	Runner   Runner
	Sessions session.Store
	Logger   *logging.Logger
	// Metrics records request metrics. Nil disables them.
	Metrics *HTTPMetrics
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

// Server provides HTTP endpoints for taskflow.
type Server struct {
	echo     *echo.Echo
	runner   Runner
	sessions session.Store
	logger   *logging.Logger
	config   *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "0.0.0.0", Port: 8000}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		runner:   deps.Runner,
		sessions: deps.Sessions,
		logger:   deps.Logger.Named("http"),
		config:   cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins(cfg.AllowOrigins),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(s.requestLog)
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}

	s.registerRoutes(deps.Gatherer)
	return s, nil
}

func allowOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/", s.handleInfo)
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/run", s.handleRun)
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.PATCH("/sessions/:id", s.handleRenameSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
}

// requestContext copies the request ID into the request context so
// downstream logs carry it.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Resolve the status before logging.
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// InfoResponse is the response body for GET /.
type InfoResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version,omitempty"`
	Endpoints []string `json:"endpoints"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RunRequest is the request body for POST /api/v1/run. UserGoal is
// accepted as an alias of Goal.
type RunRequest struct {
	Goal     string `json:"goal"`
	UserGoal string `json:"user_goal,omitempty"`
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Title  string `json:"title"`
	UserID string `json:"user_id"`
}

// CreateSessionResponse is the response body for POST /api/v1/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// RenameSessionRequest is the request body for PATCH /api/v1/sessions/:id.
type RenameSessionRequest struct {
	Title string `json:"title"`
}

// ListSessionsResponse is the response body for GET /api/v1/sessions.
type ListSessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

func (s *Server) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, InfoResponse{
		Name:    "taskflow",
		Version: s.config.Version,
		Endpoints: []string{
			"GET /health",
			"POST /api/v1/run",
			"POST /api/v1/sessions",
			"GET /api/v1/sessions",
			"GET /api/v1/sessions/:id",
			"PATCH /api/v1/sessions/:id",
			"DELETE /api/v1/sessions/:id",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	goal := req.Goal
	if strings.TrimSpace(goal) == "" {
		goal = req.UserGoal
	}

	resp, err := s.runner.Run(c.Request().Context(), goal)
	if err != nil {
		return s.httpError(c, "run failed", err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.sessions.Create(c.Request().Context(), req.Title, req.UserID)
	if err != nil {
		return s.httpError(c, "create session failed", err)
	}
	return c.JSON(http.StatusCreated, CreateSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = n
	}
	sums, err := s.sessions.List(c.Request().Context(), c.QueryParam("user_id"), limit)
	if err != nil {
		return s.httpError(c, "list sessions failed", err)
	}
	if sums == nil {
		sums = []session.Summary{}
	}
	return c.JSON(http.StatusOK, ListSessionsResponse{Sessions: sums})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, "get session failed", err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleRenameSession(c echo.Context) error {
	var req RenameSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	ctx := c.Request().Context()
	if err := s.sessions.UpdateTitle(ctx, c.Param("id"), req.Title); err != nil {
		return s.httpError(c, "rename session failed", err)
	}
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		return s.httpError(c, "get session failed", err)
	}
	return c.JSON(http.StatusOK, sess.Summary())
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.sessions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.httpError(c, "delete session failed", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps service errors onto status codes. Details of internal
// errors stay in the log.
func (s *Server) httpError(c echo.Context, msg string, err error) error {
	ctx := c.Request().Context()
	switch {
	case ctx.Err() != nil:
		s.logger.Warn(ctx, msg, zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, run.ErrInvalidGoal):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrCollaboratorUnavailable), errors.Is(err, llm.ErrUnavailable):
		s.logger.Warn(ctx, msg, zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "language model unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(ctx, msg, zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	s.logger.Error(ctx, msg, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
