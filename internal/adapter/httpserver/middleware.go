package httpserver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/app"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/platform/correlation"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.Header))
		c.Response().Header().Set(correlation.Header, id)
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
		return next(c)
	}
}

// bindClient attaches the caller's identity to the request context so every later log line
// carries it.
func bindClient(c echo.Context, clientID string) {
	c.SetRequest(c.Request().WithContext(correlation.WithClientID(c.Request().Context(), clientID)))
}

// ErrorHandlingMiddleware renders errors returned by handlers as structured JSON. Echo's own
// HTTPErrors (404, 405, bind errors) are left to echo's error handler.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}
			return HandleError(c, err)
		}
	}
}

// HandleError classifies err, logs it at the level its type warrants and writes the response.
func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := classify(err)
	logError(c, structuredErr)

	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func HandleValidationError(c echo.Context, message string) error {
	return HandleError(c, apperrors.ValidationError(message))
}

// classify maps domain and service errors onto structured errors.
func classify(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	switch {
	case errors.As(err, &structuredErr):
		return structuredErr
	case errors.Is(err, domain.ErrTaskNotFound):
		return apperrors.NotFoundError(domain.ErrTaskNotFound.Error())
	case errors.Is(err, domain.ErrMissingClientID):
		return apperrors.ValidationError(domain.ErrMissingClientID.Error())
	case errors.Is(err, app.ErrEmptyTitle), errors.Is(err, app.ErrTitleTooLong):
		return apperrors.ValidationError(err.Error())
	case errors.Is(err, app.ErrNotifyFailed):
		return apperrors.ExternalError(app.ErrNotifyFailed.Error(), err)
	default:
		return apperrors.AsStructuredError(err)
	}
}

type logPolicy struct {
	level     slog.Level
	msg       string
	withCause bool
}

var logPolicies = map[apperrors.ErrorType]logPolicy{
	apperrors.TypeValidation:  {slog.LevelInfo, "Validation error", false},
	apperrors.TypeNotFound:    {slog.LevelInfo, "Not found", false},
	apperrors.TypeConflict:    {slog.LevelWarn, "Conflict", false},
	apperrors.TypeRateLimited: {slog.LevelWarn, "Request rejected", false},
	apperrors.TypeUnavailable: {slog.LevelWarn, "Request rejected", false},
	apperrors.TypeExternal:    {slog.LevelError, "External service error", true},
	apperrors.TypeInternal:    {slog.LevelError, "Internal error", true},
}

func logError(c echo.Context, err *apperrors.Error) {
	policy, ok := logPolicies[err.Type]
	if !ok {
		policy = logPolicy{slog.LevelError, "Unknown error type", true}
	}

	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if policy.withCause && err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}

	slog.Log(c.Request().Context(), policy.level, policy.msg, attrs...)
}
