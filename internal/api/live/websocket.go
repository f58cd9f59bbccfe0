package live

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/good-yellow-bee/cowork/internal/room"
)

// wsTransport writes room events as JSON text frames. Heartbeats go out as
// ping control frames so the client's pong keeps the read deadline alive.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteEvent(ev room.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return websocket.ErrCloseSent
	}
	deadline := time.Now().Add(t.writeTimeout)
	if ev.Name == room.EventHeartbeat {
		return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
	}
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(ev)
}

// closeWith sends a close frame carrying code and reason, then closes the
// connection.
func (t *wsTransport) closeWith(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "")
}
