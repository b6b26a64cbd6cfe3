package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestHubLocalFanoutExcludesSender(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	c1 := conn("g1", "u1", "User One")
	c2 := conn("g1", "u2", "User Two")
	c3 := conn("g1", "u3", "User Three")
	other := conn("g2", "u4", "User Four")
	for _, c := range []*Connection{c1, c2, c3, other} {
		h.registry.Add(c)
	}

	env := &Envelope{
		Type:          EventMessage,
		GroupID:       "g1",
		UserID:        "u1",
		Content:       "hi",
		Timestamp:     time.Now().UTC(),
		ExcludeUserID: "u1",
	}
	h.BroadcastMessage(ctx, env, c1)

	if got := len(c1.Conn.(*fakeConn).framesOfType(t, EventMessage)); got != 0 {
		t.Fatalf("sender received %d message frames, want 0", got)
	}
	for _, c := range []*Connection{c2, c3} {
		frames := c.Conn.(*fakeConn).framesOfType(t, EventMessage)
		if len(frames) != 1 {
			t.Fatalf("%s received %d message frames, want 1", c.UserID, len(frames))
		}
		if frames[0].Content != "hi" || frames[0].UserID != "u1" {
			t.Fatalf("unexpected frame %+v", frames[0])
		}
		if frames[0].Origin != "" || frames[0].ExcludeUserID != "" {
			t.Fatal("broker metadata leaked into a client frame")
		}
	}
	if got := len(other.Conn.(*fakeConn).sent); got != 0 {
		t.Fatalf("other group received %d frames, want 0", got)
	}
}

func TestHubHealsDeadConnections(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	healthy := conn("g1", "u1", "User One")
	dead := conn("g1", "u2", "User Two")
	h.registry.Add(healthy)
	h.registry.Add(dead)
	dead.Conn.(*fakeConn).failSends()

	env := &Envelope{Type: EventMessage, GroupID: "g1", UserID: "u3", Content: "hi", Timestamp: time.Now().UTC()}
	h.BroadcastMessage(ctx, env, nil)

	if got := h.LocalConnectionCount("g1"); got != 1 {
		t.Fatalf("count = %d, want 1 after dead connection removed", got)
	}
	if got := len(healthy.Conn.(*fakeConn).framesOfType(t, EventMessage)); got != 1 {
		t.Fatalf("healthy connection got %d message frames, want 1", got)
	}
	if !dead.Conn.(*fakeConn).closed {
		t.Fatal("dead connection transport should be closed")
	}
}

func TestHubDisconnectIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	c1 := conn("g1", "u1", "User One")
	c2 := conn("g1", "u2", "User Two")
	h.Connect(ctx, c1)
	h.Connect(ctx, c2)

	h.Disconnect(ctx, c1)
	h.Disconnect(ctx, c1)

	if got := h.LocalConnectionCount("g1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	left := c2.Conn.(*fakeConn).framesOfType(t, EventPresenceLeft)
	if len(left) != 1 {
		t.Fatalf("got %d presence_left frames, want exactly 1", len(left))
	}
	if left[0].UserID != "u1" {
		t.Fatalf("presence_left for %q, want u1", left[0].UserID)
	}
}

func TestHubConnectAnnouncesJoin(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	c1 := conn("g1", "u1", "User One")
	h.Connect(ctx, c1)
	c2 := conn("g1", "u2", "User Two")
	h.Connect(ctx, c2)

	joins := c1.Conn.(*fakeConn).framesOfType(t, EventPresenceJoined)
	if len(joins) != 1 {
		t.Fatalf("existing member saw %d join frames, want 1", len(joins))
	}
	if joins[0].UserID != "u2" || joins[0].Username != "User Two" {
		t.Fatalf("unexpected join frame %+v", joins[0])
	}
	// The newcomer does not need to be told it joined.
	if got := len(c2.Conn.(*fakeConn).framesOfType(t, EventPresenceJoined)); got != 0 {
		t.Fatalf("newcomer saw %d join frames, want 0", got)
	}
}

func TestHubUnsubscribesOnLastLeave(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	c1 := conn("g1", "u1", "User One")
	c2 := conn("g1", "u2", "User Two")
	h.Connect(ctx, c1)
	h.Connect(ctx, c2)

	h.bridge.mu.Lock()
	_, subscribed := h.bridge.subs["g1"]
	h.bridge.mu.Unlock()
	if !subscribed {
		t.Fatal("group channel should be subscribed while members are connected")
	}

	h.Disconnect(ctx, c1)
	h.bridge.mu.Lock()
	_, subscribed = h.bridge.subs["g1"]
	h.bridge.mu.Unlock()
	if !subscribed {
		t.Fatal("subscription must survive while one member remains")
	}

	h.Disconnect(ctx, c2)
	h.bridge.mu.Lock()
	_, subscribed = h.bridge.subs["g1"]
	h.bridge.mu.Unlock()
	if subscribed {
		t.Fatal("last leave should close the group channel")
	}
}

func TestHubBroadcastSystem(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	c1 := conn("g1", "u1", "User One")
	c2 := conn("g1", "u2", "User Two")
	h.registry.Add(c1)
	h.registry.Add(c2)

	payload := json.RawMessage(`{"kind":"ban_notice","reason":"spam"}`)
	delivered := h.BroadcastSystem(ctx, "g1", payload)

	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	// The broker is unreachable in tests: local delivery still happened and
	// the capability flag reports the degradation.
	if h.BridgeAvailable() {
		t.Fatal("bridge should report unavailable")
	}
	for _, c := range []*Connection{c1, c2} {
		sent := c.Conn.(*fakeConn).sent
		if len(sent) != 1 {
			t.Fatalf("%s got %d frames, want 1", c.UserID, len(sent))
		}
		// Verbatim: the payload is not wrapped or rewritten.
		if string(sent[0]) != string(payload) {
			t.Fatalf("payload altered: %s", sent[0])
		}
	}
}

func TestHubRemoteDeliveryHonorsExcludedUser(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	phone := conn("g1", "u1", "User One")
	laptop := conn("g1", "u1", "User One")
	peer := conn("g1", "u2", "User Two")
	for _, c := range []*Connection{phone, laptop, peer} {
		h.registry.Add(c)
	}

	env := &Envelope{Type: EventTyping, GroupID: "g1", UserID: "u1", Username: "User One", IsTyping: true, Timestamp: time.Now().UTC()}
	h.deliverRemote(ctx, "g1", env, "u1")

	if got := len(phone.Conn.(*fakeConn).sent) + len(laptop.Conn.(*fakeConn).sent); got != 0 {
		t.Fatalf("excluded user received %d frames, want 0", got)
	}
	typing := peer.Conn.(*fakeConn).framesOfType(t, EventTyping)
	if len(typing) != 1 || !typing[0].IsTyping {
		t.Fatalf("peer typing frames = %+v, want one with is_typing", typing)
	}
}

func TestHubRemoteDeliveryWithNoLocalConnections(t *testing.T) {
	h := newTestHub(t)

	// A late broker message for a group this pod no longer serves.
	env := &Envelope{Type: EventMessage, GroupID: "gone", Content: "late", Timestamp: time.Now().UTC()}
	h.deliverRemote(context.Background(), "gone", env, "")

	if got := h.LocalConnectionCount("gone"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}
