package sync

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/capsync/capsync/pkg/types"
)

// WebSocketTransport dials the sync service over websocket.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates the production transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{dialer: websocket.DefaultDialer}
}

// Dial establishes the channel, presenting the auth token as a bearer
// credential.
func (t *WebSocketTransport) Dial(ctx context.Context, url, authToken string) (Conn, error) {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a websocket connection to the Conn contract.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (*types.Envelope, error) {
	var env types.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) WriteEnvelope(env *types.Envelope) error {
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
