package wslink

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultDialer is used by Dial; overridable for tests that need a
// custom TLS config or timeout.
var DefaultDialer = &websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// Dial opens a client-side connection to addr (a ws:// or wss:// URL)
// and wraps it as a Link.
func Dial(ctx context.Context, addr string) (*Link, error) {
	conn, _, err := DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}
