package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// WebSocketStream sends every event as one text message holding the same block an SSE client
// would receive. A single writer goroutine owns the connection; WriteEvent only enqueues.
type WebSocketStream struct {
	conn         *websocket.Conn
	clock        clockwork.Clock
	writeTimeout time.Duration

	send     chan []byte
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func NewWebSocketStream(conn *websocket.Conn, clock clockwork.Clock, writeTimeout time.Duration) *WebSocketStream {
	s := &WebSocketStream{
		conn:         conn,
		clock:        clock,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, messageBufferSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.configurePongHandler()
	s.wg.Add(1)
	go s.run()
	return s
}

// WriteEvent never blocks: a client that cannot keep up with its buffer is reported as failed.
func (s *WebSocketStream) WriteEvent(ev Event) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	select {
	case s.send <- FormatEvent(ev):
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Complete sends a close frame and closes the connection.
func (s *WebSocketStream) Complete() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream completed")
		s.updateWriteDeadline()
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.conn.Close()
		s.markDone()
	})
}

func (s *WebSocketStream) Done() <-chan struct{} {
	return s.done
}

// ReadPump consumes client frames so control messages are processed, and returns when the
// peer goes away. Clients are not expected to send data.
func (s *WebSocketStream) ReadPump() {
	defer s.markDone()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketStream) run() {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.send:
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.fail()
				return
			}
		case <-ticker.Chan():
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.fail()
				return
			}
		case <-s.quit:
			return
		case <-s.done:
			return
		}
	}
}

func (s *WebSocketStream) fail() {
	_ = s.conn.Close()
	s.markDone()
}

func (s *WebSocketStream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *WebSocketStream) configurePongHandler() {
	s.updateReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.updateReadDeadline()
		return nil
	})
}

func (s *WebSocketStream) updateWriteDeadline() {
	_ = s.conn.SetWriteDeadline(s.clock.Now().Add(s.writeTimeout))
}

func (s *WebSocketStream) updateReadDeadline() {
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
}
