package broadcast

import (
	"bytes"
	"strings"

	"github.com/pscheid92/fanout/internal/domain"
)

const (
	HeartbeatEventName = "heartbeat"
	heartbeatData      = "ping"
)

// Event is one wire block. ID and Comment are omitted from the frame when empty.
type Event struct {
	Name    string
	ID      string
	Comment string
	Data    string
}

// HeartbeatEvent is the keep-alive block written on every heartbeat pass.
func HeartbeatEvent() Event {
	return Event{Name: HeartbeatEventName, Data: heartbeatData}
}

// EventFromNotification maps a notification onto its wire block. The origin travels as a comment line.
func EventFromNotification(n domain.Notification) Event {
	return Event{
		Name:    n.Topic,
		ID:      n.EventID(),
		Comment: n.Origin(),
		Data:    n.Message,
	}
}

// FormatEvent renders ev as an event-stream block:
//
//	event: <name>
//	id: <id>
//	: <comment>
//	data: <data>
//
// Data containing newlines is split into consecutive data lines.
func FormatEvent(ev Event) []byte {
	var b bytes.Buffer
	b.Grow(len(ev.Name) + len(ev.ID) + len(ev.Comment) + len(ev.Data) + 32)

	b.WriteString("event: ")
	b.WriteString(singleLine(ev.Name))
	b.WriteByte('\n')

	if ev.ID != "" {
		b.WriteString("id: ")
		b.WriteString(singleLine(ev.ID))
		b.WriteByte('\n')
	}

	if ev.Comment != "" {
		b.WriteString(": ")
		b.WriteString(singleLine(ev.Comment))
		b.WriteByte('\n')
	}

	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	return b.Bytes()
}

// singleLine drops line breaks from header-like fields so they cannot start a new field.
func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
