package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second

	checkPassed = "ok"
)

// HealthCheck is one dependency checked by the startup and readiness endpoints.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checksResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type livenessResponse struct {
	Status   string  `json:"status"`
	Uptime   float64 `json:"uptime"`
	Instance string  `json:"instance"`
	Streams  int     `json:"streams"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}
}

func (s *Server) handleStartup(c echo.Context) error {
	return s.runChecks(c, startupCheckTimeout)
}

func (s *Server) handleReadiness(c echo.Context) error {
	return s.runChecks(c, readinessCheckTimeout)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := livenessResponse{
		Status:   "ok",
		Uptime:   s.clock.Since(s.startTime).Seconds(),
		Instance: s.config.InstanceID,
		Streams:  s.registry.Count(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// runChecks runs every check concurrently under one deadline and reports each outcome by name.
func (s *Server) runChecks(c echo.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	results := make([]string, len(s.healthChecks))
	var g errgroup.Group
	for i, hc := range s.healthChecks {
		g.Go(func() error {
			results[i] = checkPassed
			if err := hc.Check(ctx); err != nil {
				results[i] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	response := checksResponse{Status: "ready"}
	code := http.StatusOK
	if len(results) > 0 {
		response.Checks = make(map[string]string, len(results))
	}
	for i, hc := range s.healthChecks {
		response.Checks[hc.Name] = results[i]
		if results[i] != checkPassed {
			response.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	if err := c.JSON(code, response); err != nil {
		return fmt.Errorf("failed to send health response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
