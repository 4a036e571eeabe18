package httpserver

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/fanout/internal/platform/correlation"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.requestLogger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  s.config.CORSAllowOrigins,
		AllowHeaders:  []string{echo.HeaderContentType, s.config.ClientIDHeader, correlation.Header},
		ExposeHeaders: []string{correlation.Header},
	}))
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000,
		ReferrerPolicy:     "no-referrer",
	}))

	s.registerHealthRoutes()
	s.registerStreamRoutes()

	api := s.echo.Group("/api", newRateLimiter(s.config.APIRateLimit, s.config.APIRateBurst))
	s.registerTaskRoutes(api)
	s.registerInstanceRoutes(api)
}

// requestLogger logs one line per request. Health checks and scrapes go to debug; a stream's line is
// written when it closes, so its latency is the lifetime of the connection.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		LogRemoteIP:  true,
		LogRoutePath: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}

			level, msg := slog.LevelInfo, "Request"
			switch {
			case v.RoutePath == "/metrics", strings.HasPrefix(v.RoutePath, "/health/"):
				level = slog.LevelDebug
			case strings.HasPrefix(v.RoutePath, "/events"):
				msg = "Stream ended"
			}
			slog.Log(c.Request().Context(), level, msg, attrs...)
			return nil
		},
	})
}
