// Package companion hosts the editor companion channel: a WebSocket duplex
// channel one port above the service endpoint, through which an editor
// extension registers itself and exchanges commands with the host.
package companion

import (
	"encoding/json"
	"time"
)

// Message is the companion wire envelope. ID correlates a response to its
// request when set.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Message types on the companion channel. The host's post-connect greeting
// is a heartbeat frame carrying a Welcome payload; subsequent heartbeats
// flow peer to host and are answered with heartbeat_ack.
const (
	TypeRegistration     = "registration"
	TypeRegistrationAck  = "registration_ack"
	TypeHeartbeat        = "heartbeat"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeJumpToCode       = "jump-to-code"
	TypeSyncTrace        = "sync-trace"
	TypeWorkspaceChanged = "workspace-changed"
	TypeError            = "error"
)

// Capabilities advertised by the host to registering peers.
var Capabilities = []string{
	"jump-to-code",
	"trace-sync",
	"workspace-detection",
	"real-time-updates",
	"code-annotations",
}

// Registration is the payload a peer sends to identify itself. A peer is
// not eligible for commands until it registers.
type Registration struct {
	Name             string   `json:"name"`
	ExtensionVersion string   `json:"extensionVersion"`
	WorkspacePath    string   `json:"workspacePath,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// Welcome is the payload of the greeting heartbeat sent to a peer
// immediately after it connects.
type Welcome struct {
	Service           string   `json:"service"`
	Version           string   `json:"version"`
	Capabilities      []string `json:"capabilities"`
	HeartbeatInterval int64    `json:"heartbeat_interval_ms"`
}

// JumpToCode asks the editor to open a location.
type JumpToCode struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// SyncTrace pushes a trace to the editor for inline display.
type SyncTrace struct {
	TraceID   string          `json:"trace_id"`
	SessionID string          `json:"session_id"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WorkspaceChanged notifies the peer that watched workspace files changed.
type WorkspaceChanged struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// NewMessage wraps a payload in an envelope with the current timestamp.
func NewMessage(msgType string, payload interface{}) (Message, error) {
	m := Message{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		m.Payload = data
	}
	return m, nil
}
