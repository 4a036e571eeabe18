package httpserver

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/broadcast"
	"github.com/pscheid92/fanout/internal/domain"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
)

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/events", s.handleEvents)
	s.echo.GET("/events/ws", s.handleEventsWebSocket)
}

// handleEvents holds an SSE stream open until the client leaves or the registry completes it.
func (s *Server) handleEvents(c echo.Context) error {
	clientID := c.Request().Header.Get(s.config.ClientIDHeader)
	if clientID == "" {
		return HandleError(c, domain.ErrMissingClientID)
	}
	bindClient(c, clientID)

	release, err := s.admitStream(c)
	if err != nil {
		return HandleError(c, err)
	}
	defer release()

	ctx := c.Request().Context()
	stream := broadcast.NewSSEStream(c.Response(), s.clock, s.config.StreamWriteTimeout)
	if err := stream.Open(); err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}

	s.registry.Register(clientID, stream)
	slog.DebugContext(ctx, "Stream opened", "transport", "sse")

	select {
	case <-stream.Done():
	case <-ctx.Done():
	}

	s.registry.Unregister(clientID, stream)
	stream.Close()
	slog.DebugContext(ctx, "Stream closed", "transport", "sse")
	return nil
}

// handleEventsWebSocket serves the same events over a WebSocket. Browsers cannot set headers on
// the upgrade request, so the identity may also come from the client_id query parameter.
func (s *Server) handleEventsWebSocket(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if clientID == "" {
		clientID = c.Request().Header.Get(s.config.ClientIDHeader)
	}
	if clientID == "" {
		return HandleError(c, domain.ErrMissingClientID)
	}
	bindClient(c, clientID)

	release, err := s.admitStream(c)
	if err != nil {
		return HandleError(c, err)
	}
	defer release()

	ctx := c.Request().Context()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		slog.WarnContext(ctx, "WebSocket upgrade failed", "error", err)
		return nil
	}

	stream := broadcast.NewWebSocketStream(conn, s.clock, s.config.StreamWriteTimeout)
	s.registry.Register(clientID, stream)
	slog.DebugContext(ctx, "Stream opened", "transport", "websocket")

	stream.ReadPump()

	s.registry.Unregister(clientID, stream)
	stream.Complete()
	slog.DebugContext(ctx, "Stream closed", "transport", "websocket")
	return nil
}

func (s *Server) admitStream(c echo.Context) (release func(), err error) {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		if s.streamMetrics != nil {
			s.streamMetrics.StreamsRejected.WithLabelValues(string(reason)).Inc()
		}
		if reason == LimitReasonGlobal {
			return nil, apperrors.UnavailableError("too many open streams on this instance").WithContext("reason", string(reason))
		}
		return nil, apperrors.RateLimitedError("too many streams from this address").WithContext("reason", string(reason))
	}
	return func() { s.limits.Release(ip) }, nil
}
