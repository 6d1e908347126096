// Package wslink implements link.Link over a gorilla/websocket
// connection, usable both for the server's accept side and the
// client's dial side.
package wslink

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// PongWait bounds how long the connection tolerates silence before a
// read is considered dead; every received message or pong extends the
// read deadline by this much. No pings are sent automatically.
const PongWait = 60 * time.Second

// Upgrader is the server-side accept configuration. CheckOrigin is
// left permissive by default; callers behind an authenticating reverse
// proxy should override it.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Link wraps a *websocket.Conn to satisfy link.Link.
type Link struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an already-established websocket connection.
func New(conn *websocket.Conn) *Link {
	l := &Link{id: uuid.NewString(), conn: conn, closed: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	return l
}

// ID implements link.Link.
func (l *Link) ID() string { return l.id }

// Send implements link.Link. Writes are serialized: gorilla/websocket
// connections do not support concurrent writers.
func (l *Link) Send(raw []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.closed:
		return fmt.Errorf("wslink: send on closed link")
	default:
	}
	return l.conn.WriteMessage(websocket.TextMessage, raw)
}

// Receive implements link.Link.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	out := make(chan result, 1)
	go func() {
		_, data, err := l.conn.ReadMessage()
		if err == nil {
			l.conn.SetReadDeadline(time.Now().Add(PongWait))
		}
		out <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-out:
		return r.data, r.err
	case <-l.closed:
		return nil, fmt.Errorf("wslink: link closed")
	}
}

// Ping sends a websocket ping control frame; the peer's pong extends
// the read deadline. Nothing in this package calls it on a timer.
func (l *Link) Ping() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close implements link.Link.
func (l *Link) Close(reason string) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}
