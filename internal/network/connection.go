package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnectionClosed = errors.New("network: connection closed")

const writeWait = 10 * time.Second

type (
	// ConnectionHandler receives what a connection reads. OnClose is called
	// exactly once, with nil when Close was called locally.
	ConnectionHandler struct {
		OnMessage func(data []byte)
		OnClose   func(err error)
		OnError   func(err error)
	}

	// Connection is a duplex message transport to the relay.
	Connection interface {
		Open(ctx context.Context, url string, h ConnectionHandler) error
		Send(ctx context.Context, data []byte) error
		Close() error
	}

	WebsocketConnection struct {
		dialer *websocket.Dialer
		header http.Header

		writeMu sync.Mutex
		mu      sync.Mutex
		conn    *websocket.Conn
		closed  bool
	}
)

func NewWebsocketConnection(header http.Header) *WebsocketConnection {
	return &WebsocketConnection{
		dialer: websocket.DefaultDialer,
		header: header,
	}
}

func (c *WebsocketConnection) Open(ctx context.Context, url string, h ConnectionHandler) error {
	conn, _, err := c.dialer.DialContext(ctx, url, c.header)
	if err != nil {
		return fmt.Errorf("network: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.listen(conn, h)
	return nil
}

func (c *WebsocketConnection) listen(conn *websocket.Conn, h ConnectionHandler) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.closed
			c.closed = true
			c.mu.Unlock()
			conn.Close()

			if local {
				err = nil
			}
			if h.OnClose != nil {
				h.OnClose(err)
			}
			return
		}
		if typ != websocket.TextMessage {
			if h.OnError != nil {
				h.OnError(fmt.Errorf("network: unexpected message type %d", typ))
			}
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (c *WebsocketConnection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrConnectionClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketConnection) Close() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
