package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Hub owns the connect/disconnect lifecycle and every broadcast variant for
// this instance. Broadcasts always deliver to local connections first, then
// publish on the bridge so sibling instances relay to theirs. Transport
// failures never surface as errors from any Hub method; a dead socket is torn
// down and the broadcast completes for everyone else.
type Hub struct {
	registry *Registry
	bridge   *Bridge
	log      *logrus.Entry
}

func NewHub(rdb *redis.Client, instanceID string, backoffMax time.Duration, log *logrus.Entry) *Hub {
	h := &Hub{
		registry: NewRegistry(),
		log:      log.WithField("component", "hub"),
	}
	h.bridge = NewBridge(rdb, instanceID, h.deliverRemote, backoffMax, log.WithField("component", "bridge"))
	return h
}

// Start launches the bridge listener. The hub serves local traffic even if
// the broker never comes up.
func (h *Hub) Start(ctx context.Context) {
	h.bridge.Start(ctx)
}

// Close stops the bridge listener and its broker subscription.
func (h *Hub) Close() {
	h.bridge.Close()
}

// BridgeAvailable reports whether cross-instance sync is currently working.
func (h *Hub) BridgeAvailable() bool {
	return h.bridge.Available()
}

// Connect registers an admitted connection, opens the group's broker channel
// on first join, and announces the newcomer to everyone else.
func (h *Hub) Connect(ctx context.Context, c *Connection) {
	h.registry.Add(c)
	h.bridge.Subscribe(ctx, c.GroupID)
	h.log.WithFields(logrus.Fields{
		"group_id": c.GroupID,
		"user_id":  c.UserID,
	}).Info("client connected")

	h.BroadcastPresence(ctx, c.GroupID, EventPresenceJoined, c.UserID, c.Username, false, c)
}

// Disconnect removes the connection and announces the departure. Idempotent:
// explicit close and send-failure cleanup may both land here for one socket,
// and only the first call does anything. The group's broker channel is closed
// when its last local connection leaves.
func (h *Hub) Disconnect(ctx context.Context, c *Connection) {
	if !h.registry.Remove(c) {
		return
	}
	_ = c.Conn.Close()
	if h.registry.Count(c.GroupID) == 0 {
		h.bridge.Unsubscribe(ctx, c.GroupID)
	}
	h.log.WithFields(logrus.Fields{
		"group_id": c.GroupID,
		"user_id":  c.UserID,
	}).Info("client disconnected")

	h.BroadcastPresence(ctx, c.GroupID, EventPresenceLeft, c.UserID, c.Username, false, c)
}

// BroadcastMessage delivers the envelope to every local connection in the
// group except exclude, then publishes it for the other instances.
func (h *Hub) BroadcastMessage(ctx context.Context, env *Envelope, exclude *Connection) {
	h.deliverLocal(ctx, env.GroupID, env, exclude, env.ExcludeUserID)
	h.bridge.Publish(ctx, env)
}

// BroadcastPresence builds a presence or typing envelope and broadcasts it.
// When exclude is set, the excluded user id is stamped on the envelope so
// sibling instances honor the exclusion too.
func (h *Hub) BroadcastPresence(ctx context.Context, groupID string, typ EventType, userID, username string, isTyping bool, exclude *Connection) {
	env := &Envelope{
		Type:      typ,
		GroupID:   groupID,
		UserID:    userID,
		Username:  username,
		IsTyping:  isTyping,
		Timestamp: time.Now().UTC(),
	}
	if exclude != nil {
		env.ExcludeUserID = exclude.UserID
	}
	h.BroadcastMessage(ctx, env, exclude)
}

// BroadcastSystem injects an arbitrary payload verbatim to every local member
// of the group, bypassing rate limiting and persistence, and reports how many
// local connections received it. The payload is also published on the bridge;
// sibling instances deliver to their own shard and callers aggregate counts
// out of band if they need a total.
func (h *Hub) BroadcastSystem(ctx context.Context, groupID string, payload json.RawMessage) int {
	env := &Envelope{
		Type:      EventSystem,
		GroupID:   groupID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	delivered := h.deliverLocal(ctx, groupID, env, nil, "")
	h.bridge.Publish(ctx, env)
	return delivered
}

// LocalConnectionCount reports this instance's live connections for a group.
func (h *Hub) LocalConnectionCount(groupID string) int {
	return h.registry.Count(groupID)
}

// deliverRemote is the bridge's entry point for foreign envelopes. A late
// message for a group with no local connections fans out to nobody, which is
// fine.
func (h *Hub) deliverRemote(ctx context.Context, groupID string, env *Envelope, excludeUserID string) {
	h.deliverLocal(ctx, groupID, env, nil, excludeUserID)
}

// deliverLocal fans one frame out to the group's local connections. Sends run
// concurrently and are all drained before return, so every failed recipient
// has been observed; each failure tears down just that connection and the
// rest of the group still gets the frame. Returns the delivered count.
func (h *Hub) deliverLocal(ctx context.Context, groupID string, env *Envelope, exclude *Connection, excludeUserID string) int {
	frame := env.clientBytes()
	conns := h.registry.List(groupID)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		dead      []*Connection
		delivered int
	)
	for _, c := range conns {
		if c == exclude || (excludeUserID != "" && c.UserID == excludeUserID) {
			continue
		}
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Conn.Send(frame); err != nil {
				mu.Lock()
				dead = append(dead, c)
				mu.Unlock()
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	for _, c := range dead {
		h.log.WithFields(logrus.Fields{
			"group_id": c.GroupID,
			"user_id":  c.UserID,
		}).Warn("dropping dead connection")
		h.Disconnect(ctx, c)
	}
	return delivered
}
