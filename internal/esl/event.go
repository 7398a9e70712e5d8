package esl

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrMalformedEvent = errors.New("malformed event")

// Event names handled by the client.
const (
	EventCustom          = "CUSTOM"
	EventHeartbeat       = "HEARTBEAT"
	EventChannelAnswer   = "CHANNEL_ANSWER"
	EventChannelBridge   = "CHANNEL_BRIDGE"
	EventChannelHangup   = "CHANNEL_HANGUP_COMPLETE"
	SubclassRegister     = "sofia::register"
	SubclassUnregister   = "sofia::unregister"
	SubclassExpire       = "sofia::expire"
	SubclassGatewayState = "sofia::gateway_state"
)

// DefaultEvents is the subscription issued after authentication.
var DefaultEvents = []string{
	EventChannelAnswer,
	EventChannelBridge,
	EventChannelHangup,
	EventHeartbeat,
	EventCustom,
	SubclassRegister,
	SubclassUnregister,
	SubclassExpire,
	SubclassGatewayState,
}

// Event is a parsed text/event-plain body.
type Event struct {
	Name     string
	Subclass string
	Headers  map[string]string
}

func (e Event) Get(key string) string {
	return e.Headers[key]
}

// Kind is the subclass for CUSTOM events and the event name otherwise.
func (e Event) Kind() string {
	if e.Name == EventCustom && e.Subclass != "" {
		return e.Subclass
	}
	return e.Name
}

// parseEvent decodes the header block of a plain event. Values are URL
// encoded. Anything after the first blank line is an event body and is
// ignored.
func parseEvent(body []byte) (Event, error) {
	ev := Event{Headers: make(map[string]string)}

	for _, line := range strings.Split(string(bytes.TrimLeft(body, "\r\n")), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return Event{}, fmt.Errorf("%w: header line %q", ErrMalformedEvent, line)
		}
		key := line[:idx]
		val, err := url.PathUnescape(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			return Event{}, fmt.Errorf("%w: header %s: %v", ErrMalformedEvent, key, err)
		}
		ev.Headers[key] = val
	}

	ev.Name = ev.Headers["Event-Name"]
	ev.Subclass = ev.Headers["Event-Subclass"]
	if ev.Name == "" {
		return Event{}, fmt.Errorf("%w: missing Event-Name", ErrMalformedEvent)
	}
	return ev, nil
}
