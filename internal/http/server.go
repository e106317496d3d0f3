// Package http serves the job API: submission, status, cancellation,
// resubmission, attempt history and a per-job event stream.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/events"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

// Jobs is the job lifecycle surface the API exposes. *job.Manager
// implements it.
type Jobs interface {
	Submit(ctx context.Context, req job.SubmitRequest) (*job.Job, error)
	Resubmit(ctx context.Context, id string) (*job.Job, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]*job.Job, error)
	QueueLen() []int
}

// HealthCheck reports a component problem, or nil when healthy.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	BodyLimit       string
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		BodyLimit:       "1M",
	}
}

// Server provides the HTTP API.
type Server struct {
	echo      *echo.Echo
	config    Config
	jobs      Jobs
	audit     resolution.AuditReader
	broker    *events.Broker
	checks    map[string]HealthCheck
	metrics   *Metrics
	heartbeat time.Duration
	logger    *zap.Logger
}

// Option configures Server.
type Option func(*Server)

// WithAuditReader enables GET /api/v1/jobs/:id/attempts.
func WithAuditReader(r resolution.AuditReader) Option {
	return func(s *Server) {
		s.audit = r
	}
}

// WithBroker enables GET /api/v1/jobs/:id/events.
func WithBroker(b *events.Broker) Option {
	return func(s *Server) {
		s.broker = b
	}
}

// WithHealthCheck adds a named component to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithMetrics sets the OpenTelemetry request instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHeartbeat sets the event stream keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.Named("http")
		}
	}
}

// NewServer creates the server. jobs is required.
func NewServer(jobs Jobs, cfg Config, opts ...Option) (*Server, error) {
	if jobs == nil {
		return nil, errors.New("job service is required")
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = def.BodyLimit
	}

	s := &Server{
		config:    cfg,
		jobs:      jobs,
		checks:    make(map[string]HealthCheck),
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewAppValidator()
	e.HTTPErrorHandler = errorHandler(s.logger)
	e.Server.ReadTimeout = cfg.ReadTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(requestContext())
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(requestLogger(s.logger))

	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/jobs", s.handleSubmit)
	v1.GET("/jobs", s.handleList)
	v1.GET("/jobs/:id", s.handleGet)
	v1.POST("/jobs/:id/cancel", s.handleCancel)
	v1.POST("/jobs/:id/resubmit", s.handleResubmit)
	v1.GET("/jobs/:id/attempts", s.handleAttempts)
	v1.GET("/jobs/:id/events", s.handleEvents)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Queue      map[string]int    `json:"queue"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Queue: make(map[string]int)}
	for p, n := range s.jobs.QueueLen() {
		resp.Queue[job.Priority(p).String()] = n
	}
	status := http.StatusOK
	if len(s.checks) > 0 {
		resp.Components = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	return c.JSON(status, resp)
}

// Handler returns the underlying handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections, bounded by ShutdownTimeout when ctx has no
// deadline. Open event streams end when the broker is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.echo.Shutdown(ctx)
}
