package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"tutorchat-ws/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

// Dialer opens one authenticated connection to the gateway.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Conn is a framed duplex connection. ReadMessage blocks; WriteMessage must
// be safe for concurrent use.
type Conn interface {
	ReadMessage() (domain.WebSocketMessage, error)
	WriteMessage(msg domain.WebSocketMessage) error
	Close() error
}

type WSDialer struct {
	URL         string
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
}

func NewWSDialer(rawURL string) *WSDialer {
	return &WSDialer{
		URL: rawURL,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		ReadTimeout: readWait,
	}
}

func (d *WSDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthError{Status: resp.StatusCode, Reason: "handshake rejected"}
		}
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsConn{conn: conn, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
}

func (c *wsConn) ReadMessage() (domain.WebSocketMessage, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && (closeErr.Code == domain.CloseSessionExpired || closeErr.Code == domain.CloseKicked) {
			return domain.WebSocketMessage{}, &ServerCloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return domain.WebSocketMessage{}, &NetworkError{Op: "read", Err: err}
	}

	var msg domain.WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.WebSocketMessage{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if msg.Type == "" {
		return domain.WebSocketMessage{}, &ProtocolError{Reason: "frame without type"}
	}
	return msg, nil
}

func (c *wsConn) WriteMessage(msg domain.WebSocketMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
