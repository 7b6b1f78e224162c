package hostlink

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Client is a host tool's connection to a Server.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the hostlink server at url (ws://host:port/alp).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(DefaultReadLimit)
	return &Client{conn: conn}, nil
}

// Send submits one ALP command.
func (c *Client) Send(ctx context.Context, cmd []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, cmd)
}

// Receive returns the next chunk of host output.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected %v message", typ)
	}
	return data, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
