package stream

import (
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

// WSClient streams snapshots over a websocket connection.
type WSClient struct {
	conn *websocket.Conn
	log  *slog.Logger

	once sync.Once
	gone chan struct{}
}

// NewWSClient wraps an upgraded websocket connection.
func NewWSClient(conn *websocket.Conn, logger *slog.Logger) *WSClient {
	return &WSClient{conn: conn, log: logger, gone: make(chan struct{})}
}

// Send writes a snapshot frame to the connection.
func (c *WSClient) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *WSClient) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
		close(c.gone)
	})
}

// Done is closed once the connection has ended.
func (c *WSClient) Done() <-chan struct{} {
	return c.gone
}
