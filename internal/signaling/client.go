package signaling

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one live connection to the relay.
type Client struct {
	ID   string
	Send chan []byte

	hub  *Hub
	conn *websocket.Conn
}

// Serve attaches an upgraded websocket to the hub and starts its pumps. The
// connection is disconnected from every room when it closes, whether or not
// the client said goodbye.
func (h *Hub) Serve(conn *websocket.Conn) *Client {
	c := h.register(conn)

	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) readPump() {
	log := c.hub.log.With(zap.String("conn", c.ID))
	defer func() {
		c.hub.Disconnect(c.ID)
		c.conn.Close()
	}()

	opts := c.hub.opts
	if opts.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(opts.MaxMessageBytes)
	}
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		c.hub.Handle(c.ID, message)
	}
}

func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Info("failed to write message", zap.String("conn", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
