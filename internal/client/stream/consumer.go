package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/platform/version"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

const heartbeatEvent = "heartbeat"

var (
	ErrConnectTimeout   = errors.New("stream connect timed out")
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// StatusChange is reported on every state transition. ReconnectDelay is set when Status is
// StatusReconnecting; Err is set when Status is StatusError.
type StatusChange struct {
	Status         Status
	ReconnectDelay time.Duration
	Err            error
}

// Consumer keeps one streaming connection open and reconnects after failures. Callbacks run on
// the goroutine that called Run.
type Consumer struct {
	url            string
	identityHeader string
	clientID       string
	httpClient     *http.Client
	clock          clockwork.Clock
	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	onStatus       func(StatusChange)
	onMessage      func(Message)
	onError        func(error)
	keepHeartbeats bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option func(*Consumer)

// WithIdentity sends clientID in header on every connection attempt.
func WithIdentity(header, clientID string) Option {
	return func(c *Consumer) {
		c.identityHeader = header
		c.clientID = clientID
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Consumer) { c.httpClient = client }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Consumer) { c.clock = clock }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.connectTimeout = d }
}

func WithBackoff(initial, max time.Duration) Option {
	return func(c *Consumer) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithHeartbeats delivers heartbeat blocks to OnMessage. By default they only keep the
// connection alive and are dropped after parsing.
func WithHeartbeats() Option {
	return func(c *Consumer) { c.keepHeartbeats = true }
}

// OnStatus, OnMessage and OnError add callbacks. Callbacks of one kind run in the order they were
// given; a later option never replaces an earlier one.
func OnStatus(fn func(StatusChange)) Option {
	return func(c *Consumer) { c.onStatus = chain(c.onStatus, fn) }
}

func OnMessage(fn func(Message)) Option {
	return func(c *Consumer) { c.onMessage = chain(c.onMessage, fn) }
}

func OnError(fn func(error)) Option {
	return func(c *Consumer) { c.onError = chain(c.onError, fn) }
}

func chain[T any](first, next func(T)) func(T) {
	if next == nil {
		return first
	}
	return func(v T) {
		first(v)
		next(v)
	}
}

func NewConsumer(url string, opts ...Option) *Consumer {
	c := &Consumer{
		url:            url,
		identityHeader: "X-Client-ID",
		httpClient:     &http.Client{},
		clock:          clockwork.NewRealClock(),
		connectTimeout: DefaultConnectTimeout,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		onStatus:       func(StatusChange) {},
		onMessage:      func(Message) {},
		onError:        func(error) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and keeps reconnecting until ctx is cancelled or Close is called. Cancellation
// is not an error: Run just returns.
func (c *Consumer) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	b := newBackOff(c.initialBackoff, c.maxBackoff)
	for {
		err := c.connect(ctx, b)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			c.onStatus(StatusChange{Status: StatusError, Err: err})
			c.onError(err)
		} else {
			c.onStatus(StatusChange{Status: StatusDisconnected})
		}

		if !c.wait(ctx, b) {
			return
		}
	}
}

// Close aborts the in-flight request and stops reconnecting.
func (c *Consumer) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// wait sleeps for the next backoff delay. It returns false when ctx ended first.
func (c *Consumer) wait(ctx context.Context, b backoff.BackOff) bool {
	delay := b.NextBackOff()
	c.onStatus(StatusChange{Status: StatusReconnecting, ReconnectDelay: delay})

	timer := c.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// connect runs one connection attempt to completion. A nil error means the server closed the
// stream cleanly.
func (c *Consumer) connect(ctx context.Context, b backoff.BackOff) error {
	c.onStatus(StatusChange{Status: StatusConnecting})

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.open(reqCtx, cancel)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	b.Reset()
	c.onStatus(StatusChange{Status: StatusConnected})

	return c.read(resp.Body)
}

// open sends the request and waits for response headers, bounded by the connect timeout.
func (c *Consumer) open(ctx context.Context, cancel context.CancelFunc) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", version.UserAgent("consumer"))
	if c.clientID != "" {
		req.Header.Set(c.identityHeader, c.clientID)
	}

	done := make(chan attempt, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		done <- attempt{resp, err}
	}()

	timer := c.clock.NewTimer(c.connectTimeout)
	defer timer.Stop()

	var r attempt
	select {
	case r = <-done:
	case <-timer.Chan():
		cancel()
		discard(done)
		return nil, ErrConnectTimeout
	}

	if r.err != nil {
		return nil, fmt.Errorf("open stream: %w", r.err)
	}
	if r.resp.StatusCode < 200 || r.resp.StatusCode > 299 {
		_ = r.resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, r.resp.StatusCode)
	}
	if r.resp.Body == nil || r.resp.Body == http.NoBody {
		return nil, errors.New("open stream: response has no body")
	}
	return r.resp, nil
}

func (c *Consumer) read(body io.Reader) error {
	var parser Parser
	buf := make([]byte, 4096)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, msg := range parser.Feed(buf[:n]) {
				if msg.Event == heartbeatEvent && !c.keepHeartbeats {
					continue
				}
				c.onMessage(msg)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

type attempt struct {
	resp *http.Response
	err  error
}

// discard closes the body of a response that arrives after the attempt was abandoned.
func discard(ch <-chan attempt) {
	go func() {
		if r := <-ch; r.resp != nil {
			_ = r.resp.Body.Close()
		}
	}()
}
