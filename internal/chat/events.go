// Package chat provides the live WebSocket channel: connection tracking with
// heartbeats, the inbound message handler and the conversation transcript.
package chat

import (
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
)

// EventType is the type of an outbound event.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventProgress      EventType = "progress"
	EventThinking      EventType = "thinking"
	EventToken         EventType = "token"
	EventClarification EventType = "clarification"
	EventResults       EventType = "results"
	EventError         EventType = "error"
	EventDone          EventType = "done"
	EventPing          EventType = "ping"
)

// Inbound message kinds.
const (
	MessageTurn       = "message"
	MessageAnswer     = "answer"
	MessagePong       = "pong"
	MessageDisconnect = "disconnect"
)

// Envelope wraps every outbound event.
type Envelope struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp string    `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

func newEnvelope(sessionID string, typ EventType, data any, now time.Time) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Type:      typ,
		Data:      data,
		Timestamp: now.UTC().Format(time.RFC3339),
		SessionID: sessionID,
	}
}

// ClientMessage is an inbound frame.
type ClientMessage struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Media   []domain.MediaRef `json:"media,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Error       string `json:"error"`
	Details     string `json:"details,omitempty"`
	Recoverable bool   `json:"recoverable"`
}
