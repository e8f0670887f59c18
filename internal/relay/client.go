package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 << 10
)

// Client wraps one websocket connection. Writes are serialized so the
// engine may forward to it from any goroutine while its session reads.
type Client struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop()
	return c
}

// Send writes one text frame. It fails fast once the client is closed.
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next data frame. Only text frames carry
// operations; the message type is returned so callers can skip the rest.
func (c *Client) ReadFrame() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *Client) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a close frame with code and reason, then tears
// down the connection. Only the first call has any effect.
func (c *Client) CloseWithReason(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl is safe to call concurrently with WriteMessage.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
