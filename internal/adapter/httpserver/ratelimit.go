package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
	"golang.org/x/time/rate"
)

const apiLimiterIdleExpiry = 5 * time.Minute

// newRateLimiter throttles /api calls per client address. Stream opens go through ConnectionLimits
// instead, and CORS preflights are never counted.
func newRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(1 / perSecond)))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method == http.MethodOptions
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: apiLimiterIdleExpiry,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, ip string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			err := apperrors.RateLimitedError("rate limit exceeded").
				WithContext("ip", ip).
				WithContext("route", c.Path())
			return HandleError(c, err)
		},
	})
}
