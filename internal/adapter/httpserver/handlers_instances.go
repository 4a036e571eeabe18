package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/adapter/redis"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
	"github.com/pscheid92/fanout/internal/platform/version"
)

func (s *Server) registerInstanceRoutes(g *echo.Group) {
	g.GET("/instances", s.handleListInstances)
}

func (s *Server) handleListInstances(c echo.Context) error {
	if s.instances == nil {
		local := []redis.InstanceInfo{{
			InstanceID: s.config.InstanceID,
			Version:    version.Get().Version,
			Streams:    s.registry.Count(),
			LastSeen:   s.clock.Now().UTC(),
		}}
		if err := c.JSON(http.StatusOK, local); err != nil {
			return fmt.Errorf("failed to write instances response: %w", err)
		}
		return nil
	}

	instances, err := s.instances.List(c.Request().Context())
	if err != nil {
		return HandleError(c, apperrors.ExternalError("failed to list instances", err))
	}
	if err := c.JSON(http.StatusOK, instances); err != nil {
		return fmt.Errorf("failed to write instances response: %w", err)
	}
	return nil
}
