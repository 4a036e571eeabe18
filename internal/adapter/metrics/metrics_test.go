package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_AllMetricsRegister(t *testing.T) {
	reg := NewRegistry("test-instance")

	require.NotPanics(t, func() {
		NewHTTPMetrics(reg)
		NewStreamMetrics(reg)
		NewFanoutMetrics(reg)
		NewRedisMetrics(reg)
		NewDatabaseMetrics(reg)
	})
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry("test-instance")
	sm := NewStreamMetrics(reg)
	sm.HeartbeatsSent.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fanout_stream_heartbeat_passes_total 1")
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	reg := NewRegistry("test-instance")
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/tasks", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/events", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/api/tasks", "/events", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/tasks", "200")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal), "streams and health checks are not recorded")
	assert.InDelta(t, 0, testutil.ToFloat64(m.InFlightGauge), 0)
}

func TestHTTPMetrics_UnmatchedRoutesShareOneSeries(t *testing.T) {
	reg := NewRegistry("test-instance")
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())

	for _, path := range []string{"/wp-admin", "/.env", "/api/nope"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.InDelta(t, 3, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
}

func TestNewRegistry_BuildInfo(t *testing.T) {
	reg := NewRegistry("pod-a")

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() != "fanout_build_info" {
			continue
		}
		found = true
		require.Len(t, f.GetMetric(), 1)
		labels := map[string]string{}
		for _, l := range f.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, "pod-a", labels["instance"])
		assert.Equal(t, "dev", labels["version"])
		assert.InDelta(t, 1, f.GetMetric()[0].GetGauge().GetValue(), 0)
	}
	assert.True(t, found, "build_info is registered")
}

func TestRedisMetrics_Expose(t *testing.T) {
	reg := NewRegistry("test-instance")
	m := NewRedisMetrics(reg)
	m.Operations.WithLabelValues("publish", "success").Inc()

	expected := `
		# HELP fanout_redis_operations_total Total Redis operations by operation and status.
		# TYPE fanout_redis_operations_total counter
		fanout_redis_operations_total{operation="publish",status="success"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fanout_redis_operations_total"))
}
