package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/adapter/redis"
	"github.com/pscheid92/fanout/internal/broadcast"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/platform/config"
)

type taskService interface {
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Create(ctx context.Context, title, originClientID string) (*domain.Task, error)
	Update(ctx context.Context, id uuid.UUID, title string, done bool, originClientID string) (*domain.Task, error)
	Delete(ctx context.Context, id uuid.UUID, originClientID string) error
}

type instanceLister interface {
	List(ctx context.Context) ([]redis.InstanceInfo, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	tasks     taskService
	registry  *broadcast.Registry
	instances instanceLister
	limits    *ConnectionLimits
	upgrader  websocket.Upgrader

	httpMetrics    *metrics.HTTPMetrics
	streamMetrics  *metrics.StreamMetrics
	metricsHandler http.Handler

	healthChecks []HealthCheck
	startTime    time.Time
}

type Option func(*Server)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithInstances enables /api/instances from the shared instance registry. Without it only this
// process is listed.
func WithInstances(instances instanceLister) Option {
	return func(s *Server) { s.instances = instances }
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = checks }
}

func WithMetrics(httpMetrics *metrics.HTTPMetrics, streamMetrics *metrics.StreamMetrics, handler http.Handler) Option {
	return func(s *Server) {
		s.httpMetrics = httpMetrics
		s.streamMetrics = streamMetrics
		s.metricsHandler = handler
	}
}

func NewServer(cfg *config.Config, tasks taskService, registry *broadcast.Registry, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:     e,
		config:   cfg,
		clock:    clockwork.NewRealClock(),
		tasks:    tasks,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.limits = NewConnectionLimits(cfg.MaxStreamConnections, cfg.MaxStreamsPerIP, cfg.StreamConnectRate, cfg.StreamConnectBurst, srv.clock)
	srv.startTime = srv.clock.Now()
	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
