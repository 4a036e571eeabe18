package httpserver

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/adapter/redis"
	"github.com/pscheid92/fanout/internal/broadcast"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/platform/config"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockTaskService struct {
	listFn   func(ctx context.Context) ([]domain.Task, error)
	getFn    func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	createFn func(ctx context.Context, title, originClientID string) (*domain.Task, error)
	updateFn func(ctx context.Context, id uuid.UUID, title string, done bool, originClientID string) (*domain.Task, error)
	deleteFn func(ctx context.Context, id uuid.UUID, originClientID string) error
}

func (m *mockTaskService) List(ctx context.Context) ([]domain.Task, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return []domain.Task{}, nil
}

func (m *mockTaskService) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, domain.ErrTaskNotFound
}

func (m *mockTaskService) Create(ctx context.Context, title, originClientID string) (*domain.Task, error) {
	if m.createFn != nil {
		return m.createFn(ctx, title, originClientID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTaskService) Update(ctx context.Context, id uuid.UUID, title string, done bool, originClientID string) (*domain.Task, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, title, done, originClientID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTaskService) Delete(ctx context.Context, id uuid.UUID, originClientID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id, originClientID)
	}
	return errors.New("not implemented")
}

type mockInstanceLister struct {
	instances []redis.InstanceInfo
	err       error
}

func (m *mockInstanceLister) List(_ context.Context) ([]redis.InstanceInfo, error) {
	return m.instances, m.err
}

// --- Test helpers ---

const testClientIDHeader = "X-Client-ID"

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		InstanceID:           "test-instance",
		ClientIDHeader:       testClientIDHeader,
		HeartbeatInterval:    10 * time.Second,
		StreamWriteTimeout:   time.Second,
		MaxStreamConnections: 100,
		MaxStreamsPerIP:      10,
		StreamConnectRate:    100,
		StreamConnectBurst:   100,
		APIRateLimit:         1000,
		APIRateBurst:         1000,
		CORSAllowOrigins:     []string{"*"},
	}
}

func withConfig(fn func(*config.Config)) Option {
	return func(s *Server) { fn(s.config) }
}

func withTasks(tasks taskService) Option {
	return func(s *Server) { s.tasks = tasks }
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return NewServer(testConfig(), &mockTaskService{}, broadcast.NewRegistry(), opts...)
}

// startTestServer runs srv behind a real listener; streaming needs a real connection.
func startTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.registry.Shutdown()
		ts.Close()
	})
	return ts
}

// callHandler wraps a handler with error middleware, matching production behavior
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware()(handler)(c)
}

// sseClient is an open event stream on a test server.
type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func openStream(t *testing.T, ts *httptest.Server, clientID string) *sseClient {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(testClientIDHeader, clientID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := &sseClient{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) close() {
	c.cancel()
	_ = c.resp.Body.Close()
}

// nextBlock reads lines up to the next blank line.
func (c *sseClient) nextBlock(t *testing.T) []string {
	t.Helper()

	type result struct {
		lines []string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var lines []string
		for {
			line, err := c.reader.ReadString('\n')
			if err != nil {
				ch <- result{lines, err}
				return
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				ch <- result{lines, nil}
				return
			}
			lines = append(lines, line)
		}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.lines
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event block")
		return nil
	}
}
