package chat

import "sync"

// Conn is the transport side of one client connection. The websocket adapter
// implements it in production; tests substitute fakes.
type Conn interface {
	// ReadMessage blocks until the next inbound frame or a transport error.
	ReadMessage() ([]byte, error)
	// Send enqueues a frame for delivery. It must not block indefinitely and
	// must fail once the peer is gone or its buffer is full.
	Send(data []byte) error
	Close() error
}

// Connection is the per-socket bookkeeping tuple. It lives only in the memory
// of the instance that accepted it and is compared by pointer identity, so one
// user on two devices holds two distinct Connections.
type Connection struct {
	Conn     Conn
	GroupID  string
	UserID   string
	Username string
}

// Registry tracks this instance's live connections per group. It is the one
// shared structure both the session goroutines and the bridge listener touch,
// so all access goes through the lock.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Connection]struct{}
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[*Connection]struct{})}
}

func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.groups[c.GroupID]
	if !ok {
		set = make(map[*Connection]struct{})
		r.groups[c.GroupID] = set
	}
	set[c] = struct{}{}
}

// Remove reports whether the connection was present. It is idempotent because
// disconnect can fire twice for one socket (explicit close plus send-failure
// cleanup). The group entry is dropped once its last connection leaves.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.groups[c.GroupID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.groups, c.GroupID)
	}
	return true
}

// List snapshots the group's connections. Callers iterate the copy without
// holding the lock, so a concurrent Remove never blocks a broadcast.
func (r *Registry) List(groupID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.groups[groupID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count(groupID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[groupID])
}
