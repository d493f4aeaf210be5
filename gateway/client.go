package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/bus"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer. The client-to-server direction
	// carries no command payloads, so this only needs to fit control frames.
	maxMessageSize = 4096
)

// client is one authenticated subscriber connection. Its write pump is the
// single in-order delivery loop for its topic; the read pump exists only to
// detect liveness and disconnect.
type client struct {
	conn      *websocket.Conn
	sub       *bus.Subscription
	bus       *bus.Bus
	log       *zap.SugaredLogger
	closeOnce sync.Once
}

// close tears down the connection and subscription exactly once
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.bus.Unsubscribe(c.sub)
		c.conn.Close()
	})
}

// readPump consumes the connection until it errors. Incoming payloads are
// discarded: this channel accepts no commands.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warnw("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// writePump relays every event from the subscription verbatim as a text
// frame, in order, until the subscriber disconnects or a send fails. There
// is no buffering beyond the subscription channel: a disconnected client
// misses nothing it had not already received, and reconnecting starts a
// fresh live tail.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(ev)
			if err != nil {
				c.log.Errorw("Failed to marshal event", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debugw("WebSocket write failed, dropping client", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
