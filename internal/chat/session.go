package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// MessageStore is the persistence collaborator for chat messages. SaveMessage
// is called before broadcasting; the returned id and timestamp travel in the
// broadcast envelope.
type MessageStore interface {
	SaveMessage(ctx context.Context, groupID, userID, content string) (id string, createdAt time.Time, err error)
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateJoined
	stateClosed
)

// Session drives the protocol for one connection: Connecting -> Joined on
// registration with the hub, Joined -> Closed when the receive loop exits.
// Protocol violations answer with typed error frames and keep the connection
// open; only the transport itself ends a session.
type Session struct {
	hub     *Hub
	limiter *RateLimiter
	store   MessageStore
	conn    *Connection
	maxLen  int
	state   sessionState
	log     *logrus.Entry
}

func NewSession(hub *Hub, limiter *RateLimiter, store MessageStore, conn *Connection, maxLen int, log *logrus.Entry) *Session {
	return &Session{
		hub:     hub,
		limiter: limiter,
		store:   store,
		conn:    conn,
		maxLen:  maxLen,
		state:   stateConnecting,
		log: log.WithFields(logrus.Fields{
			"group_id": conn.GroupID,
			"user_id":  conn.UserID,
		}),
	}
}

// Run registers the connection and pumps inbound frames until the transport
// closes. Disconnect runs exactly once on every exit path.
func (s *Session) Run(ctx context.Context) {
	s.hub.Connect(ctx, s.conn)
	s.state = stateJoined

	defer func() {
		s.state = stateClosed
		s.hub.Disconnect(ctx, s.conn)
	}()

	for {
		data, err := s.conn.Conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("read loop ended")
			return
		}
		s.handleFrame(ctx, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(CodeParseError, "frame is not valid JSON")
		return
	}

	switch EventType(frame.Type) {
	case EventMessage:
		s.handleMessage(ctx, frame.Content)
	case EventTyping:
		// Ephemeral: never persisted, never rate-limited, sender excluded.
		s.hub.BroadcastPresence(ctx, s.conn.GroupID, EventTyping, s.conn.UserID, s.conn.Username, frame.IsTyping, s.conn)
	case EventPresenceJoined, EventPresenceLeft, EventSystem, EventError:
		// Server-originated types are not accepted from clients.
		s.sendError(CodeUnknownType, fmt.Sprintf("type %q cannot be sent by clients", frame.Type))
	default:
		s.sendError(CodeUnknownType, fmt.Sprintf("unknown message type %q", frame.Type))
	}
}

func (s *Session) handleMessage(ctx context.Context, content string) {
	if content == "" {
		s.sendError(CodeValidationError, "content must not be empty")
		return
	}
	if len(content) > s.maxLen {
		s.sendError(CodeMessageTooLong, fmt.Sprintf("content exceeds %d bytes", s.maxLen))
		return
	}
	if !s.limiter.Allowed(s.conn.UserID) {
		s.sendError(CodeRateLimited, "message quota exceeded, slow down")
		return
	}

	id, createdAt, err := s.store.SaveMessage(ctx, s.conn.GroupID, s.conn.UserID, content)
	if err != nil {
		s.log.WithError(err).Error("save message failed")
		s.sendError(CodePersistence, "message could not be saved, try again")
		return
	}

	env := &Envelope{
		Type:          EventMessage,
		GroupID:       s.conn.GroupID,
		ID:            id,
		UserID:        s.conn.UserID,
		Username:      s.conn.Username,
		Content:       content,
		Timestamp:     createdAt,
		ExcludeUserID: s.conn.UserID,
	}
	s.hub.BroadcastMessage(ctx, env, s.conn)
}

// sendError answers the offending sender, and only the sender, with a typed
// in-band error frame.
func (s *Session) sendError(code, message string) {
	frame, _ := json.Marshal(errorFrame{
		Type:      EventError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err := s.conn.Conn.Send(frame); err != nil {
		s.log.WithError(err).Debug("error frame not delivered")
	}
}
