package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single pushed frame; answers with citations can
// exceed the websocket library's 32KiB default
const maxFrameSize = 4 << 20

// Conn is one open persistent connection
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a connection to endpoint
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// WebsocketDialer dials endpoint with nhooyr.io/websocket
func WebsocketDialer(ctx context.Context, endpoint string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Endpoint builds the connection URL: http(s) schemes are mapped to
// ws(s) and the bearer token is passed as the token query parameter.
func Endpoint(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", base, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
