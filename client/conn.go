package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("connection is closed")

// Conn is one physical WebSocket connection. A Manager replaces it on every
// reconnect, so calls issued on one Conn never see responses from another.
type Conn struct {
	id string
	ws *websocket.Conn

	writeWait time.Duration

	mu     sync.Mutex
	closed bool

	done chan struct{}
}

func newConn(ws *websocket.Conn, writeWait time.Duration) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		ws:        ws,
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send writes data as one text frame. Writes are serialised.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	if c.writeWait > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Done is closed once the connection has been closed by either side.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return c.ws.Close()
}
