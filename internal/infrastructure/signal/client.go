package signal

import (
	"time"

	"p2d/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is one relay connection. The hub writes to send; only the write pump
// writes to conn.
type Client struct {
	id      domain.ParticipantID
	name    string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	relay   *Relay
	opts    connOptions
	logger  *zap.SugaredLogger
}

type connOptions struct {
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
}

func (c *Client) ID() domain.ParticipantID {
	return c.id
}

// readPump posts inbound frames to the hub until the connection fails, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.relay.unregister <- c:
		case <-c.relay.done:
		}
		c.conn.Close()
	}()

	if c.opts.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.pongTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Infow("connection read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.relay.inbound <- frame{client: c, data: data}:
		case <-c.relay.done:
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("connection write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
