package gateway

import "encoding/json"

// EventType identifies a store mutation fanned out to subscribers.
type EventType string

const (
	EventSessionCreated EventType = "session:created"
	EventSessionUpdated EventType = "session:updated"
	EventSessionDeleted EventType = "session:deleted"
	EventTraceNew       EventType = "trace:new"
	EventTraceUpdated   EventType = "trace:updated"
	EventBookmarkNew    EventType = "bookmark:created"
)

// Event is a mutation notification. SessionID scopes delivery; events with
// an empty SessionID go to every connected client.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Wire message types exchanged with clients.
const (
	msgConnected     = "connected"
	msgSessionJoined = "session_joined"
	msgSessionLeft   = "session_left"
	msgNewTrace      = "new_trace"
	msgSessionUpdate = "session_update"
	msgError         = "error"

	inJoinSession  = "join_session"
	inLeaveSession = "leave_session"
	inTraceEvent   = "trace_event"
)

// message is the JSON frame sent to and received from clients. Event carries
// the originating mutation name on fan-out frames so observers can tell a
// bookmark creation from a session deletion.
type message struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wireType maps a store event to the frame type clients expect.
func wireType(t EventType) string {
	switch t {
	case EventTraceNew:
		return msgNewTrace
	default:
		return msgSessionUpdate
	}
}
