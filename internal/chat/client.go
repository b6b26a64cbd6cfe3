package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.

	// Slack on top of the configured content limit for the JSON framing.
	frameOverhead = 512

	sendBufferSize = 256
)

var errSendBufferFull = errors.New("send buffer full")
var errConnClosed = errors.New("connection closed")

// wsConn adapts a gorilla websocket to the Conn interface. Writes go through
// a buffered channel drained by a single write pump, which also owns the
// ping/pong heartbeat; reads happen directly on the session's goroutine.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn, maxContentLen int) *wsConn {
	c := &wsConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		quit: make(chan struct{}),
	}

	conn.SetReadLimit(int64(maxContentLen + frameOverhead))
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writePump()
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Send enqueues a frame without blocking. A full buffer means the peer has
// stopped draining; failing here lets the hub tear the connection down
// instead of stalling a broadcast.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.quit:
		return errConnClosed
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		err = c.conn.Close()
	})
	return err
}

// writePump drains the send buffer onto the socket and keeps the connection
// alive with periodic pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything already queued in the same write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
