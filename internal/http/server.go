// Package http serves the verdict review API.
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
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/verdict/internal/kernel"
	"github.com/fyrsmithlabs/verdict/internal/logging"
	"github.com/fyrsmithlabs/verdict/internal/telemetry"
)

// Server provides HTTP endpoints for the kernel.
type Server struct {
	echo      *echo.Echo
	kernel    *kernel.Kernel
	logger    *zap.Logger
	config    *Config
	telemetry *telemetry.Telemetry
	metrics   *HTTPMetrics
	submit    *rate.Limiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// SubmitRate and SubmitBurst bound audit submissions per second.
	SubmitRate  float64
	SubmitBurst int
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry reports exporter health on /health.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

// WithMetrics records OpenTelemetry request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(k *kernel.Kernel, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if k == nil {
		return nil, fmt.Errorf("kernel cannot be nil")
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
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 10
	}
	if cfg.SubmitBurst < 1 {
		cfg.SubmitBurst = 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		kernel: k,
		logger: logger,
		config: cfg,
		submit: rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger tags the request context with its ids and logs the request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))

		err := next(c)

		fields := append(logging.ContextFields(c.Request().Context()),
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		s.logger.Info("http request", fields...)
		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/signals", s.handleRoute)
	v1.GET("/signals/:id", s.handleGetSignal)
	v1.GET("/baselines", s.handleBaselines)

	v1.GET("/audits/pending", s.handleListPending)
	v1.GET("/audits/:id", s.handleGetAudit)
	v1.POST("/audits/:id/submit", s.handleSubmitAudit, s.rateLimit)

	v1.POST("/analysis/run", s.handleRunAnalysis)
	v1.GET("/analysis/report", s.handleLastReport)

	v1.GET("/adjustments", s.handleListAdjustments)
	v1.GET("/adjustments/:id", s.handleGetAdjustment)
	v1.POST("/adjustments/decisions", s.handleDecisions)
	v1.POST("/adjustments/:id/decision", s.handleDecision)

	v1.POST("/epitaphs", s.handleRecordEpitaph)
	v1.GET("/epitaphs", s.handleListEpitaphs)
	v1.GET("/epitaphs/:id", s.handleGetEpitaph)

	v1.POST("/chorus", s.handleChorus)
	v1.GET("/chorus/volume", s.handleVolume)

	v1.GET("/escalations", s.handleListEscalations)
	v1.POST("/escalations/:id/status", s.handleEscalationStatus)
}

// rateLimit rejects requests beyond the submit budget.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.submit.Allow() {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "submit rate exceeded"})
		}
		return next(c)
	}
}

// handleHealth reports kernel and exporter state. It always answers 200;
// Status carries degradation.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Health: s.kernel.Health(), Version: s.config.Version}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Start starts the HTTP server. It returns nil after Shutdown.
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

// Handler returns the server's handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}
