package output

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Transport is one duplex connection to a consumer. Implementations must be
// safe for use from the channel's consumer goroutine plus arbitrary callers
// of Connected.
type Transport interface {
	// Send writes one serialized message.
	Send(ctx context.Context, payload []byte) error

	// Connected reports whether the peer is still reachable. The channel
	// skips writes on a disconnected transport instead of failing.
	Connected() bool
}

// wsTransport adapts a websocket connection to [Transport]. Messages are sent
// as text frames; the first write error marks the transport disconnected.
type wsTransport struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

// NewWebsocketTransport wraps conn. The caller keeps ownership of the
// connection and closes it after the channel is terminated.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Connected() bool {
	return !t.closed.Load()
}
