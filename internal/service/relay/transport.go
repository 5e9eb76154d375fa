package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla connection to Transport.
// gorilla allows one concurrent writer, so data frames are serialized by mu.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWebSocketTransport wraps conn. A zero writeTimeout disables write deadlines.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, writeTimeout: writeTimeout}
}

// Send writes data as a single text frame.
func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a ping control frame. Control frames may be written concurrently with Send.
func (t *WebSocketTransport) Ping() error {
	deadline := time.Now().Add(t.writeTimeout)
	if t.writeTimeout <= 0 {
		deadline = time.Time{}
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close tears down the underlying connection, unblocking any pending read.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}
