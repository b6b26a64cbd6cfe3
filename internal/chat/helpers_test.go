package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func discardLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// newTestHub builds a hub whose bridge points at an unreachable broker, so
// publishes exercise the best-effort degradation path and local delivery is
// what the tests observe. The bridge listener is not started.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return NewHub(rdb, "instance-a", time.Second, discardLog())
}

// fakeConn is a scriptable Conn. Reads pop from the frames queue and then
// fail with readErr; sends append to sent unless sendErr is set.
type fakeConn struct {
	mu      sync.Mutex
	reads   [][]byte
	readErr error
	sent    [][]byte
	sendErr error
	closed  bool
}

func newFakeConn(reads ...[]byte) *fakeConn {
	return &fakeConn{reads: reads, readErr: io.EOF}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return nil, f.readErr
	}
	data := f.reads[0]
	f.reads = f.reads[1:]
	return data, nil
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) failSends() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = errors.New("broken pipe")
}

// framesOfType decodes everything the conn received and filters by type.
func (f *fakeConn) framesOfType(t *testing.T, typ EventType) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Envelope
	for _, raw := range f.sent {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("received frame is not JSON: %v", err)
		}
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type saveCall struct {
	groupID string
	userID  string
	content string
}

type fakeStore struct {
	mu    sync.Mutex
	calls []saveCall
	err   error
}

func (s *fakeStore) SaveMessage(_ context.Context, groupID, userID, content string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	s.calls = append(s.calls, saveCall{groupID: groupID, userID: userID, content: content})
	return "msg-1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), nil
}

func (s *fakeStore) saved() []saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saveCall(nil), s.calls...)
}

func conn(groupID, userID, username string) *Connection {
	return &Connection{
		Conn:     newFakeConn(),
		GroupID:  groupID,
		UserID:   userID,
		Username: username,
	}
}
