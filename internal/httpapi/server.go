// Package httpapi exposes the pipeline over HTTP: event ingestion, the
// review surface, repository profiles and the dashboard aggregate.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/corpus"
	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/ingest"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
)

// Ingestor admits failure events.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*failure.Record, bool, error)
}

// Lifecycle serves and transitions recommendations.
type Lifecycle interface {
	Get(ctx context.Context, fixID string) (*failure.Recommendation, error)
	GetPending(ctx context.Context, limit, offset int) ([]*failure.Recommendation, error)
	Approve(ctx context.Context, fixID, comment string) (*failure.Recommendation, error)
	Reject(ctx context.Context, fixID, comment string) (*failure.Recommendation, error)
	MarkApplied(ctx context.Context, fixID string, succeeded bool) (*failure.Recommendation, error)
}

// Profiles serves repository profiles.
type Profiles interface {
	GetProfile(ctx context.Context, owner, repo string) (*failure.Profile, error)
}

// Corpus serves aggregates and audit trails.
type Corpus interface {
	DashboardStats(ctx context.Context) (*corpus.DashboardStats, error)
	ListEvents(ctx context.Context, failureID int64) ([]*failure.Event, error)
	Ping(ctx context.Context) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	ingestor  Ingestor
	lifecycle Lifecycle
	profiles  Profiles
	corpus    Corpus
	logger    *logging.Logger
	config    Config
}

// NewServer creates the HTTP server.
func NewServer(ingestor Ingestor, lc Lifecycle, profiles Profiles, store Corpus, logger *logging.Logger, cfg Config) (*Server, error) {
	if ingestor == nil || lc == nil || profiles == nil || store == nil {
		return nil, fmt.Errorf("all server dependencies are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("http")
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8700
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		ingestor:  ingestor,
		lifecycle: lc,
		profiles:  profiles,
		corpus:    store,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/ingest", s.handleIngest)
	v1.GET("/fixes/pending", s.handlePendingFixes)
	v1.GET("/fixes/:id", s.handleGetFix)
	v1.POST("/fixes/:id/approve", s.handleApprove)
	v1.POST("/fixes/:id/reject", s.handleReject)
	v1.POST("/fixes/:id/apply", s.handleApply)
	v1.GET("/failures/:id/events", s.handleEvents)
	v1.GET("/repos/:owner/:repo/profile", s.handleProfile)
	v1.GET("/dashboard", s.handleDashboard)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.corpus.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// IngestResponse is the response body for POST /api/v1/ingest.
type IngestResponse struct {
	Failure  *failure.Record `json:"failure"`
	Admitted bool            `json:"admitted"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req ingest.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, admitted, err := s.ingestor.Ingest(c.Request().Context(), req)
	if err != nil {
		return s.mapError(c, err)
	}

	status := http.StatusOK
	if admitted {
		status = http.StatusCreated
	}
	return c.JSON(status, IngestResponse{Failure: rec, Admitted: admitted})
}

func (s *Server) handlePendingFixes(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	fixes, err := s.lifecycle.GetPending(c.Request().Context(), limit, offset)
	if err != nil {
		return s.mapError(c, err)
	}
	if fixes == nil {
		fixes = []*failure.Recommendation{}
	}
	return c.JSON(http.StatusOK, fixes)
}

func (s *Server) handleGetFix(c echo.Context) error {
	rec, err := s.lifecycle.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ReviewRequest is the request body for approve and reject.
type ReviewRequest struct {
	Comment string `json:"comment"`
}

func (s *Server) handleApprove(c echo.Context) error {
	return s.handleReview(c, s.lifecycle.Approve)
}

func (s *Server) handleReject(c echo.Context) error {
	return s.handleReview(c, s.lifecycle.Reject)
}

func (s *Server) handleReview(c echo.Context, decide func(context.Context, string, string) (*failure.Recommendation, error)) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := decide(c.Request().Context(), c.Param("id"), req.Comment)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ApplyRequest is the request body for POST /api/v1/fixes/:id/apply.
type ApplyRequest struct {
	Succeeded bool `json:"succeeded"`
}

func (s *Server) handleApply(c echo.Context) error {
	var req ApplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := s.lifecycle.MarkApplied(c.Request().Context(), c.Param("id"), req.Succeeded)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleEvents(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid failure id")
	}

	events, err := s.corpus.ListEvents(c.Request().Context(), id)
	if err != nil {
		return s.mapError(c, err)
	}
	if events == nil {
		events = []*failure.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleProfile(c echo.Context) error {
	p, err := s.profiles.GetProfile(c.Request().Context(), c.Param("owner"), c.Param("repo"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleDashboard(c echo.Context) error {
	stats, err := s.corpus.DashboardStats(c.Request().Context())
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// mapError translates domain errors onto HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	ctx := c.Request().Context()
	switch {
	case errors.Is(err, failure.ErrMalformedInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, failure.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case failure.IsInvalidTransition(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, failure.ErrStoreUnavailable):
		s.logger.Error(ctx, "store unavailable", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		s.logger.Error(ctx, "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
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
