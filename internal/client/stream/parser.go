// Package stream consumes an event-stream endpoint and keeps the connection alive across
// failures with exponential backoff.
package stream

import (
	"bytes"
	"strings"
)

const defaultEventName = "message"

// Message is one block received from the stream. Comment carries the originating client id
// when the server set one.
type Message struct {
	Event   string
	Data    string
	ID      string
	Comment string
}

// Parser turns arbitrarily chunked stream bytes into messages. A partial line at the end of a
// chunk is kept until the next Feed.
type Parser struct {
	buf     []byte
	pending Message
	data    []string
}

// Feed consumes chunk and returns the messages completed by it.
func (p *Parser) Feed(chunk []byte) []Message {
	p.buf = append(p.buf, chunk...)

	var out []Message
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(p.buf[:i], []byte{'\r'}))
		p.buf = p.buf[i+1:]

		if msg, ok := p.processLine(line); ok {
			out = append(out, msg)
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

// Reset drops any partial state, used when a new connection starts.
func (p *Parser) Reset() {
	p.buf = nil
	p.pending = Message{}
	p.data = nil
}

func (p *Parser) processLine(line string) (Message, bool) {
	if line == "" {
		return p.flush()
	}

	if strings.HasPrefix(line, ":") {
		p.pending.Comment = trimValue(line[1:])
		return Message{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = trimValue(value)

	switch field {
	case "event":
		p.pending.Event = value
	case "data":
		p.data = append(p.data, value)
	case "id":
		p.pending.ID = value
	}
	return Message{}, false
}

// flush emits the pending block when it carried data. Pending fields are reset either way.
func (p *Parser) flush() (Message, bool) {
	msg, data := p.pending, p.data
	p.pending = Message{}
	p.data = nil

	if data == nil {
		return Message{}, false
	}

	msg.Data = strings.Join(data, "\n")
	if msg.Event == "" {
		msg.Event = defaultEventName
	}
	return msg, true
}

func trimValue(v string) string {
	return strings.TrimPrefix(v, " ")
}
