package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xf079/LocalShare/internal/signal"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Large enough for SDP bodies.
	maxMessageSize = 64 * 1024
)

// Client wraps a single websocket connection attached to the hub.
type Client struct {
	Hub *Hub

	Conn *websocket.Conn

	// ID is the registered user id; set before the pumps start.
	ID string

	Username string

	// RoomID is the room the client currently occupies, empty if none.
	// Mutated only by the hub goroutine through the registry.
	RoomID string

	// JoinedAt is set by the registry when the client attaches.
	JoinedAt time.Time

	// Send is the outbound queue drained by WritePump.
	Send chan *signal.Message
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine, ensuring at
// most one reader per connection.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "client", c.ID, "err", err)
			}
			break
		}

		msg, err := signal.Parse(data)
		if err != nil {
			// Malformed inbound traffic never drops the connection.
			slog.Warn("dropping malformed message", "client", c.ID, "err", err)
			continue
		}

		c.Hub.Inbound <- &clientMessage{client: c, msg: msg}
	}
}

// WritePump pumps messages from the hub to the websocket connection and
// keeps the transport alive with protocol-level pings.
//
// One WritePump goroutine runs per connection, ensuring at most one writer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				slog.Warn("websocket write failed", "client", c.ID, "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
