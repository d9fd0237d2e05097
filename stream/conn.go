package stream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// DefaultReadLimit bounds a single gesture message.
const DefaultReadLimit = 64 << 10

// Conn is an open gesture stream.
type Conn interface {
	// Read blocks for the next message. Cancelling ctx closes the stream.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens gesture streams.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// WebSocketDialer dials gesture streams over WebSocket.
type WebSocketDialer struct {
	ReadLimit int64
}

// Dial opens a WebSocket connection to url.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// GesturesURL derives the stream endpoint from the backend's HTTP base URL.
func GesturesURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/gestures"
	return u.String(), nil
}
