// Package http provides the HTTP API for draftpr: health, Prometheus
// metrics, job status and artifact listing, and approval submission.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/draftpr/internal/artifact"
	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// Jobs is the pipeline surface the API reads and approves through.
type Jobs interface {
	Status(ctx context.Context, jobID string) (*pipeline.JobStatus, error)
	Approve(ctx context.Context, jobID, planHash, approver, notes string) (*plan.Approval, error)
}

// Artifacts is the read side of the artifact store.
type Artifacts interface {
	Jobs(ctx context.Context) ([]string, error)
	List(ctx context.Context, jobID string) ([]string, error)
	Get(ctx context.Context, jobID, name string) ([]byte, error)
}

// ApprovalNotifier is told about every accepted approval, for example to
// signal the workflow that waits on it.
type ApprovalNotifier interface {
	NotifyApproval(ctx context.Context, approval *plan.Approval) error
}

// Server provides HTTP endpoints for draftpr.
type Server struct {
	echo      *echo.Echo
	jobs      Jobs
	artifacts Artifacts
	notifier  ApprovalNotifier
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// ApprovalsPerMinute limits approval submissions per client IP.
	// Default: 10
	ApprovalsPerMinute int

	// APIToken, when set, must be presented as a bearer token to submit
	// approvals. Read endpoints stay open.
	APIToken string

	// Meter records route metrics. Nil uses the global meter provider.
	Meter metric.Meter
}

// Option configures a Server.
type Option func(*Server)

// WithApprovalNotifier forwards accepted approvals to n.
func WithApprovalNotifier(n ApprovalNotifier) Option {
	return func(s *Server) { s.notifier = n }
}

// NewServer creates a new HTTP server.
func NewServer(jobs Jobs, artifacts Artifacts, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if jobs == nil {
		return nil, fmt.Errorf("jobs cannot be nil")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifacts cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.ApprovalsPerMinute <= 0 {
		cfg.ApprovalsPerMinute = 10
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRouteMetrics(cfg.Meter, logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		jobs:      jobs,
		artifacts: artifacts,
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	return s, nil
}

// Echo exposes the router for additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleJobStatus)
	v1.GET("/jobs/:id/artifacts", s.handleListArtifacts)
	v1.GET("/jobs/:id/artifacts/:name", s.handleGetArtifact)
	v1.POST("/jobs/:id/approval", s.handleApprove, s.approvalLimiter(), s.approvalAuth())
}

// approvalLimiter allows ApprovalsPerMinute submissions per client IP.
func (s *Server) approvalLimiter() echo.MiddlewareFunc {
	perMinute := s.config.ApprovalsPerMinute
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     perMinute,
		ExpiresIn: 10 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			s.logger.Warn("approval rate limit exceeded", zap.String("client", identifier))
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many approval requests")
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{Status: "ok", Stages: map[pipeline.Stage]int{}}
	jobs, err := s.artifacts.Jobs(ctx)
	if err != nil {
		s.logger.Warn("listing jobs failed", zap.Error(err))
		resp.Status = "degraded"
		return c.JSON(http.StatusOK, resp)
	}
	resp.Jobs = len(jobs)
	resp.Stages, resp.Unreadable = CountByStage(ctx, s.jobs, jobs)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListJobs(c echo.Context) error {
	jobs, err := s.artifacts.Jobs(c.Request().Context())
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, JobListResponse{Jobs: jobs})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	st, err := s.jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleListArtifacts(c echo.Context) error {
	jobID := c.Param("id")
	names, err := s.artifacts.List(c.Request().Context(), jobID)
	if err != nil {
		return s.apiError(err)
	}
	if len(names) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, ArtifactListResponse{JobID: jobID, Artifacts: names})
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	name := c.Param("name")
	data, err := s.artifacts.Get(c.Request().Context(), c.Param("id"), name)
	if err != nil {
		return s.apiError(err)
	}
	if artifact.IsText(name) {
		return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, data)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid approval request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PlanHash == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plan_hash field is required")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver field is required")
	}

	ctx := c.Request().Context()
	approval, err := s.jobs.Approve(ctx, c.Param("id"), req.PlanHash, req.Approver, req.Notes)
	if err != nil {
		return s.apiError(err)
	}
	s.logger.Info("approval accepted",
		zap.String("job_id", approval.JobID),
		zap.String("approver", approval.Approver),
	)
	if s.notifier != nil {
		if err := s.notifier.NotifyApproval(ctx, approval); err != nil {
			s.logger.Warn("approval notification failed", zap.String("job_id", approval.JobID), zap.Error(err))
		}
	}
	return c.JSON(http.StatusCreated, approval)
}

// apiError maps pipeline and store errors to HTTP errors.
func (s *Server) apiError(err error) error {
	var (
		se *pipeline.StageError
		ve *artifact.ValidationError
	)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.As(err, &se):
		return echo.NewHTTPError(http.StatusConflict, se.Error())
	case errors.Is(err, pipeline.ErrStaleApproval), errors.Is(err, pipeline.ErrUnknownPlanHash):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
