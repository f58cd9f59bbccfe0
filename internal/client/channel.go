package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/good-yellow-bee/cowork/internal/room"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("live channel closed")

const (
	channelWriteTimeout = 10 * time.Second
	channelBuffer       = 256
)

// Channel is one live WebSocket connection to a project room.
type Channel struct {
	conn   *websocket.Conn
	events chan room.Event

	writeMu  sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

// Dial joins the project's room. The handshake fails with an *APIError when
// the server rejects the caller.
func (c *Client) Dial(ctx context.Context, projectID string) (*Channel, error) {
	raw, err := c.liveURL(projectID)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.tls,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{"User-Agent": {userAgent}})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial live channel: %w", err)
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan room.Event, channelBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// Events delivers inbound events in receipt order. It is closed when the
// connection ends; Err then reports why.
func (ch *Channel) Events() <-chan room.Event {
	return ch.events
}

// Done is closed when the connection ends.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Err returns the error that ended the connection, if any.
func (ch *Channel) Err() error {
	<-ch.done
	return ch.err
}

// Send writes one outbound frame.
func (ch *Channel) Send(name string, data any) error {
	ev, err := room.NewEvent(name, data)
	if err != nil {
		return err
	}
	select {
	case <-ch.done:
		return ErrChannelClosed
	default:
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout)); err != nil {
		return err
	}
	if err := ch.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	return nil
}

// Close sends a normal close frame and tears down the connection.
func (ch *Channel) Close() error {
	ch.stopOnce.Do(func() { close(ch.stop) })
	ch.writeMu.Lock()
	_ = ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ch.writeMu.Unlock()
	err := ch.conn.Close()
	<-ch.done
	return err
}

func (ch *Channel) readLoop() {
	defer close(ch.done)
	defer close(ch.events)

	for {
		var ev room.Event
		if err := ch.conn.ReadJSON(&ev); err != nil {
			select {
			case <-ch.stop:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.err = err
			}
			return
		}
		select {
		case ch.events <- ev:
		case <-ch.stop:
			return
		}
	}
}
