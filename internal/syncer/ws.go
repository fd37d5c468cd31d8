package syncer

import (
	"context"
	"fmt"

	"golang.org/x/net/websocket"
)

// wsConn adapts a websocket connection to MessageConn using binary
// framing.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.conn, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Send(data []byte) error {
	return websocket.Message.Send(c.conn, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebsocketDialer returns a DialFunc connecting to a room sync endpoint.
// The access token is carried in the subprotocol-free query string the
// server's authorizer expects.
func WebsocketDialer(url, origin string) DialFunc {
	return func(ctx context.Context) (MessageConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := websocket.Dial(url, "", origin)
		if err != nil {
			return nil, fmt.Errorf("dial sync endpoint: %w", err)
		}
		return &wsConn{conn: conn}, nil
	}
}
