package coordinator

import (
	"time"

	"github.com/pscheid92/fanout/internal/client/stream"
)

const (
	MessageBufferSize = 100
	ErrorBufferSize   = 50
)

// ErrorEntry is one failure reported by a connection.
type ErrorEntry struct {
	Err error
	At  time.Time
}

// Snapshot is a point-in-time copy of a connection record, safe to keep and read.
type Snapshot struct {
	ID             string
	URL            string
	Identity       string
	Status         stream.Status
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	ReconnectDelay time.Duration
	RefCount       int
	Received       int
	Messages       []stream.Message
	Errors         []ErrorEntry
	LastMessage    *stream.Message
	LastError      *ErrorEntry
}

type record struct {
	id             string
	url            string
	identity       string
	status         stream.Status
	connectedAt    time.Time
	disconnectedAt time.Time
	reconnectDelay time.Duration
	refCount       int
	received       int
	messages       *ring[stream.Message]
	errors         *ring[ErrorEntry]
	lastMessage    *stream.Message
	lastError      *ErrorEntry
}

func newRecord(id, url, identity string) *record {
	return &record{
		id:       id,
		url:      url,
		identity: identity,
		status:   stream.StatusIdle,
		refCount: 1,
		messages: newRing[stream.Message](MessageBufferSize),
		errors:   newRing[ErrorEntry](ErrorBufferSize),
	}
}

func (r *record) setStatus(status stream.Status, reconnectDelay time.Duration, now time.Time) {
	r.status = status
	switch status {
	case stream.StatusConnected:
		r.connectedAt = now
		r.reconnectDelay = 0
	case stream.StatusDisconnected, stream.StatusError:
		r.connectedAt = time.Time{}
		r.disconnectedAt = now
	case stream.StatusReconnecting:
		r.reconnectDelay = reconnectDelay
	}
}

func (r *record) addMessage(m stream.Message) {
	r.messages.push(m)
	r.received++
	r.lastMessage = &m
}

func (r *record) addError(err error, now time.Time) {
	e := ErrorEntry{Err: err, At: now}
	r.errors.push(e)
	r.lastError = &e
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:             r.id,
		URL:            r.url,
		Identity:       r.identity,
		Status:         r.status,
		ConnectedAt:    r.connectedAt,
		DisconnectedAt: r.disconnectedAt,
		ReconnectDelay: r.reconnectDelay,
		RefCount:       r.refCount,
		Received:       r.received,
		Messages:       r.messages.values(),
		Errors:         r.errors.values(),
	}
	if r.lastMessage != nil {
		m := *r.lastMessage
		s.LastMessage = &m
	}
	if r.lastError != nil {
		e := *r.lastError
		s.LastError = &e
	}
	return s
}
