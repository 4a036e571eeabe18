package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/fanout/internal/adapter/inmem"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/app"
	"github.com/pscheid92/fanout/internal/broadcast"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/fanout"
	"github.com/pscheid92/fanout/internal/platform/config"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEvents_MissingClientID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	srv := newTestServer(t)
	err := srv.handleEvents(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
	assert.Equal(t, 0, srv.registry.Count())
}

func TestHandleEvents_HeadersAndDelivery(t *testing.T) {
	srv := newTestServer(t)
	ts := startTestServer(t, srv)

	client := openStream(t, ts, "alice")

	assert.Equal(t, "text/event-stream", client.resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", client.resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", client.resp.Header.Get("X-Accel-Buffering"))

	require.Eventually(t, func() bool { return srv.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	srv.registry.BroadcastLocal(domain.NewNotification("task", "create", domain.WithID("5"), domain.WithOrigin("bob")))

	assert.Equal(t, []string{"event: task", "id: 5", ": bob", "data: create"}, client.nextBlock(t))
}

func TestHandleEvents_SkipsOrigin(t *testing.T) {
	srv := newTestServer(t)
	ts := startTestServer(t, srv)

	origin := openStream(t, ts, "clientX")
	other := openStream(t, ts, "clientY")
	require.Eventually(t, func() bool { return srv.registry.Count() == 2 }, time.Second, 10*time.Millisecond)

	srv.registry.BroadcastLocal(domain.NewNotification("task", "create", domain.WithOrigin("clientX")))
	srv.registry.BroadcastLocal(domain.NewNotification("task", "update"))

	assert.Equal(t, []string{"event: task", ": clientX", "data: create"}, other.nextBlock(t))
	assert.Equal(t, []string{"event: task", "data: update"}, other.nextBlock(t))
	assert.Equal(t, []string{"event: task", "data: update"}, origin.nextBlock(t))
}

func TestHandleEvents_UnregistersOnDisconnect(t *testing.T) {
	srv := newTestServer(t)
	ts := startTestServer(t, srv)

	client := openStream(t, ts, "alice")
	require.Eventually(t, func() bool { return srv.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	client.close()

	assert.Eventually(t, func() bool {
		return srv.registry.Count() == 0 && srv.limits.Current() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleEvents_SameIdentityReplacesStream(t *testing.T) {
	srv := newTestServer(t)
	ts := startTestServer(t, srv)

	first := openStream(t, ts, "alice")
	require.Eventually(t, func() bool { return srv.limits.Current() == 1 }, time.Second, 10*time.Millisecond)

	second := openStream(t, ts, "alice")
	require.Eventually(t, func() bool { return srv.limits.Current() == 1 }, time.Second, 10*time.Millisecond)

	// The first stream's response ends once it is replaced.
	_, err := first.reader.ReadString('\n')
	assert.Error(t, err)

	srv.registry.BroadcastLocal(domain.NewNotification("task", "create"))
	assert.Equal(t, []string{"event: task", "data: create"}, second.nextBlock(t))
}

func TestHandleEvents_Heartbeat(t *testing.T) {
	srv := newTestServer(t)
	ts := startTestServer(t, srv)

	client := openStream(t, ts, "alice")
	require.Eventually(t, func() bool { return srv.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	srv.registry.Heartbeat()

	assert.Equal(t, []string{"event: heartbeat", "data: ping"}, client.nextBlock(t))
}

func TestHandleEvents_PerIPLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	streamMetrics := metrics.NewStreamMetrics(reg)
	srv := newTestServer(t,
		withConfig(func(cfg *config.Config) { cfg.MaxStreamsPerIP = 1 }),
		WithMetrics(nil, streamMetrics, nil),
	)
	ts := startTestServer(t, srv)

	openStream(t, ts, "alice")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(testClientIDHeader, "bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.InDelta(t, 1, testutil.ToFloat64(streamMetrics.StreamsRejected.WithLabelValues(string(LimitReasonPerIP))), 0)
}

func TestHandleEvents_GlobalLimit(t *testing.T) {
	srv := newTestServer(t, withConfig(func(cfg *config.Config) { cfg.MaxStreamConnections = 1 }))
	ts := startTestServer(t, srv)

	openStream(t, ts, "alice")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(testClientIDHeader, "bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleEventsWebSocket(t *testing.T) {
	srv := newTestServer(t)
	ts := startTestServer(t, srv)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws?client_id=alice"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	srv.registry.BroadcastLocal(domain.NewNotification("task", "delete", domain.WithID("7")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "event: task\nid: 7\ndata: delete\n\n", string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return srv.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleEventsWebSocket_MissingClientID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	srv := newTestServer(t)
	require.NoError(t, srv.handleEventsWebSocket(c))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// signalingBroker reports each subscription so the test publishes only once it is in place.
type signalingBroker struct {
	domain.Broker
	subscribed chan struct{}
}

func (b *signalingBroker) Subscribe(ctx context.Context, channel string) (domain.Subscription, error) {
	sub, err := b.Broker.Subscribe(ctx, channel)
	b.subscribed <- struct{}{}
	return sub, err
}

func TestTaskMutationReachesOtherClientsOnly(t *testing.T) {
	broker := &signalingBroker{Broker: inmem.NewBroker(), subscribed: make(chan struct{}, 1)}
	registry := broadcast.NewRegistry(broadcast.WithClock(clockwork.NewRealClock()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fanout.NewSubscriber(broker, "tasks-test", registry, nil).Start(ctx) }()
	<-broker.subscribed

	tasks := app.NewTaskService(inmem.NewTaskRepository(clockwork.NewRealClock()), fanout.NewPublisher(broker, "tasks-test"))
	srv := NewServer(testConfig(), tasks, registry)
	ts := startTestServer(t, srv)

	writer := openStream(t, ts, "writer")
	reader := openStream(t, ts, "reader")
	require.Eventually(t, func() bool { return registry.Count() == 2 }, time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/tasks", strings.NewReader(`{"title":"ship it"}`))
	require.NoError(t, err)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(testClientIDHeader, "writer")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created domain.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	assert.Equal(t, []string{"event: task", "id: " + created.ID.String(), ": writer", "data: create"}, reader.nextBlock(t))

	// The writer's first block is the heartbeat, not its own echo.
	registry.Heartbeat()
	assert.Equal(t, []string{"event: heartbeat", "data: ping"}, writer.nextBlock(t))
}
