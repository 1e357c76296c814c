package cdp

import "encoding/json"

// Request is one JSON command frame written to the endpoint.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Message is one JSON frame read from the endpoint. Frames carrying an ID
// resolve an outstanding call; frames without one are asynchronous events.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// IsEvent reports whether the frame is an asynchronous event notification.
func (m *Message) IsEvent() bool {
	return m.ID == nil && m.Method != ""
}

// Event is an asynchronous endpoint notification fanned out to subscribers.
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Domain returns the protocol domain prefix of the event method, for example
// "Page" for "Page.loadEventFired". Methods without a domain separator return
// the whole method name.
func (e Event) Domain() string {
	for i := 0; i < len(e.Method); i++ {
		if e.Method[i] == '.' {
			return e.Method[:i]
		}
	}
	return e.Method
}
