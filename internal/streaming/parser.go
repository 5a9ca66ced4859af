// Package streaming owns the push connection: event-stream framing, token
// handling, the streaming client and its reconnecting connection manager.
package streaming

import "strings"

const (
	keepAliveLiteral = ":keepalive"
	// EventKeepAlive is the synthetic event reported for keep-alive frames.
	EventKeepAlive = "keepalive"
	// EventMessage is the default event type.
	EventMessage = "message"
)

// Event is one frame of the event stream.
type Event struct {
	ID    string
	Event string
	Data  string
}

// IsKeepAlive reports whether the frame is a bare keep-alive.
func (e Event) IsKeepAlive() bool {
	return e.Event == EventKeepAlive
}

func (e Event) empty() bool {
	return e.ID == "" && e.Event == "" && e.Data == ""
}

// Parser accumulates event-stream lines into events. It is not safe for
// concurrent use.
type Parser struct {
	current Event
}

// Parse consumes one line (without its terminator) and returns an event when
// the line completes one.
func (p *Parser) Parse(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r")

	if strings.TrimSpace(line) == keepAliveLiteral {
		p.current = Event{}
		return Event{Event: EventKeepAlive}, true
	}

	if line == "" || strings.HasPrefix(line, ":") {
		return p.flush()
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "id":
		p.current.ID = value
	case "event":
		p.current.Event = value
	case "data":
		if p.current.Data != "" {
			p.current.Data += "\n" + value
		} else {
			p.current.Data = value
		}
	}
	return Event{}, false
}

func (p *Parser) flush() (Event, bool) {
	if p.current.empty() {
		return Event{}, false
	}
	evt := p.current
	p.current = Event{}
	if evt.Event == "" {
		evt.Event = EventMessage
	}
	return evt, true
}
