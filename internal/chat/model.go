package chat

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of frame types carried over the wire, both
// client-facing and on the broker channels. Dispatch on it is exhaustive;
// adding a variant means touching every switch that consumes it.
type EventType string

const (
	EventMessage        EventType = "message"
	EventPresenceJoined EventType = "presence_joined"
	EventPresenceLeft   EventType = "presence_left"
	EventTyping         EventType = "typing"
	EventSystem         EventType = "system"
	EventError          EventType = "error"
)

// Error codes sent in typed error frames. None of these close the connection.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
	CodeMessageTooLong  = "MESSAGE_TOO_LONG"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodePersistence     = "PERSISTENCE_ERROR"
)

// Envelope is the internal representation of one broadcastable event. It is
// built fresh per broadcast and never mutated afterwards. Origin and
// ExcludeUserID only travel on the broker: they are stamped by the bridge on
// publish and stripped again before local delivery on the receiving side.
type Envelope struct {
	Type      EventType       `json:"type"`
	GroupID   string          `json:"group_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsTyping  bool            `json:"is_typing,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	Origin        string `json:"origin,omitempty"`
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
}

// clientBytes renders the frame actually written to a connected client.
// System envelopes carry their payload verbatim; everything else is the
// envelope itself minus the broker-only metadata.
func (e *Envelope) clientBytes() []byte {
	if e.Type == EventSystem {
		return []byte(e.Payload)
	}
	out := *e
	out.GroupID = ""
	out.Origin = ""
	out.ExcludeUserID = ""
	b, _ := json.Marshal(&out)
	return b
}

// errorFrame is the in-band frame sent back to an offending sender only.
type errorFrame struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientFrame is the JSON a client sends over the websocket.
type ClientFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// Message is a persisted chat message as returned by the repository.
type Message struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a chat group row.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
