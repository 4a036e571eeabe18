package broadcast

import "errors"

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrWriteTimeout = errors.New("stream write timed out")
	ErrSlowConsumer = errors.New("stream send buffer full")
)

// Stream is one live connection to a client. WriteEvent may be called from several goroutines.
// Complete ends the stream; Done is closed once the stream can no longer deliver events.
type Stream interface {
	WriteEvent(ev Event) error
	Complete()
	Done() <-chan struct{}
}

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
	transportOther     = "other"
)

func transportOf(s Stream) string {
	switch s.(type) {
	case *SSEStream:
		return transportSSE
	case *WebSocketStream:
		return transportWebSocket
	default:
		return transportOther
	}
}
