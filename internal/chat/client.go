package chat

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// Client is one staff websocket connection. Staff sockets are receive-only:
// anything the peer sends is discarded, pongs count as presence heartbeats.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	StaffID string
}

func NewClient(hub *Hub, conn *websocket.Conn, staffID string) *Client {
	return &Client{hub: hub, conn: conn, send: make(chan []byte, 256), StaffID: staffID}
}

// ReadPump keeps the read deadline alive and tears the client down when the
// connection dies.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.hub.Disconnect(c.StaffID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Touch(c.StaffID)
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("staff_id", c.StaffID).Msg("staff socket closed unexpectedly")
			}
			return
		}
	}
}

// WritePump writes notices and pings. Queued notices are flushed in one
// frame, newline separated.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
