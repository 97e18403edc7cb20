package ws

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection is one monitor attached to the hub. Only the hub closes send.
type Connection struct {
	id     string
	remote string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *zap.Logger
}

func NewConnection(conn *websocket.Conn, hub *Hub, id, remote string, logger *zap.Logger) *Connection {
	return &Connection{
		id:     id,
		remote: remote,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, connectionSendBufferSize),
		logger: logger.With(zap.String("conn", id), zap.String("remote", remote)),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() string { return c.remote }

// ReadPump feeds inbound text frames to the hub until the peer goes away.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Connection close error", zap.Error(err))
		}
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.logger.Info("Connection unexpected close", zap.Error(err))
			break
		}
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			c.logger.Info("Server ignores non-text frame", zap.Int("type", msgType))
			continue
		}
		c.hub.Dispatch(c, data)
	}
}

// WritePump drains send and finishes with a normal close frame.
func (c *Connection) WritePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Connection close error", zap.Error(err))
		}
	}()

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn("Connection write error", zap.Error(err))
			return
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
		c.logger.Debug("Failed to close websocket", zap.Error(err))
	}
}

func (c *Connection) closeSend() {
	close(c.send)
}
