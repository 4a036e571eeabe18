package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SSEStream writes event-stream blocks to an HTTP response.
type SSEStream struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	clock        clockwork.Clock
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewSSEStream(w http.ResponseWriter, clock clockwork.Clock, writeTimeout time.Duration) *SSEStream {
	return &SSEStream{
		w:            w,
		rc:           http.NewResponseController(w),
		clock:        clock,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Open sends the response headers and flushes them so the client sees the stream immediately.
func (s *SSEStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush stream headers: %w", err)
	}
	return nil
}

func (s *SSEStream) WriteEvent(ev Event) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}

	if err := s.rc.SetWriteDeadline(s.clock.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("set write deadline: %w", err)
	}
	defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()

	if _, err := s.w.Write(FormatEvent(ev)); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}

func (s *SSEStream) Complete() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *SSEStream) Done() <-chan struct{} {
	return s.done
}

// Close completes the stream and waits for any in-flight write. The HTTP handler calls it
// before returning so nothing touches the ResponseWriter afterwards.
func (s *SSEStream) Close() {
	s.Complete()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
