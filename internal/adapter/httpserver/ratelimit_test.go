package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/platform/config"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// limitedEcho serves /api/ping behind newRateLimiter.
func limitedEcho(perSecond float64, burst int) *echo.Echo {
	e := echo.New()
	api := e.Group("/api", newRateLimiter(perSecond, burst))
	api.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	api.OPTIONS("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	return e
}

func hit(e *echo.Echo, method, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/ping", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	captureLogs(t)
	e := limitedEcho(0.5, 3)

	for i := range 3 {
		assert.Equal(t, http.StatusOK, hit(e, http.MethodGet, "10.0.0.1:4000").Code, "request %d is within burst", i)
	}

	rec := hit(e, http.MethodGet, "10.0.0.1:4000")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	resp := decodeError(t, rec)
	assert.Equal(t, apperrors.TypeRateLimited, resp.Type)
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.Equal(t, "10.0.0.1", resp.Context["ip"])
	assert.Equal(t, "/api/ping", resp.Context["route"])
}

func TestRateLimiter_BucketsPerAddress(t *testing.T) {
	captureLogs(t)
	e := limitedEcho(0.01, 1)

	assert.Equal(t, http.StatusOK, hit(e, http.MethodGet, "10.0.0.1:4000").Code)
	assert.Equal(t, http.StatusOK, hit(e, http.MethodGet, "10.0.0.2:4000").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(e, http.MethodGet, "10.0.0.1:5000").Code, "port does not matter")
	assert.Equal(t, http.StatusTooManyRequests, hit(e, http.MethodGet, "10.0.0.2:4000").Code)
}

func TestRateLimiter_PreflightNotCounted(t *testing.T) {
	e := limitedEcho(0.01, 1)

	for range 5 {
		assert.Equal(t, http.StatusNoContent, hit(e, http.MethodOptions, "10.0.0.1:4000").Code)
	}
	assert.Equal(t, http.StatusOK, hit(e, http.MethodGet, "10.0.0.1:4000").Code)
}

func TestRateLimiter_AppliedToAPIGroupOnly(t *testing.T) {
	captureLogs(t)
	srv := newTestServer(t, withConfig(func(cfg *config.Config) {
		cfg.APIRateLimit = 0.01
		cfg.APIRateBurst = 1
	}))

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/tasks", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodGet, "/api/tasks", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/health/live", "", nil).Code)
}
