package relay

import (
	"log/slog"

	"github.com/xf079/LocalShare/internal/signal"
)

// clientMessage pairs an inbound wire message with the connection it came
// from, so routing never trusts the From field alone.
type clientMessage struct {
	client *Client
	msg    *signal.Message
}

// Hub is the signaling relay: it routes addressed messages between
// connected clients and fans out room membership notifications.
//
// All state (registry, rooms, clients) is owned by the single goroutine
// running Run; the channels are the only way in. That serializes membership
// mutations, so a join can never observe a half-applied leave.
type Hub struct {
	registry *Registry

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *clientMessage
}

func NewHub() *Hub {
	return &Hub{
		registry:   NewRegistry(),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *clientMessage, 64),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registry.AddClient(client)
			slog.Info("client connected", "client", client.ID, "room", client.RoomID)
			// The upgrade handler attaches each client to its
			// registered room straight away.
			if client.RoomID != "" {
				h.joinRoom(client, client.RoomID)
			}

		case client := <-h.Unregister:
			if h.registry.GetClient(client.ID) != client {
				// A stale connection for a user that reconnected;
				// don't tear down the live one.
				close(client.Send)
				continue
			}
			h.leaveRoom(client)
			h.registry.RemoveClient(client.ID)
			close(client.Send)
			slog.Info("client disconnected", "client", client.ID)

		case cm := <-h.Inbound:
			h.route(cm.client, cm.msg)
		}
	}
}

// route dispatches one inbound message. Negotiation messages are addressed
// point-to-point; membership messages mutate the registry.
func (h *Hub) route(c *Client, msg *signal.Message) {
	switch msg.Type {
	case signal.TypeJoin:
		roomID := msg.RoomID
		if roomID == "" {
			roomID = c.RoomID
		}
		if roomID == "" {
			slog.Warn("join without room", "client", c.ID)
			return
		}
		h.joinRoom(c, roomID)

	case signal.TypeLeave:
		h.leaveRoom(c)

	case signal.TypePing:
		h.deliver(c.ID, &signal.Message{Type: signal.TypePong, To: c.ID})

	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		if msg.To == "" {
			slog.Warn("unaddressed negotiation message", "client", c.ID, "type", msg.Type)
			return
		}
		// Stamp the sender; everything else passes through untouched.
		msg.From = c.ID
		h.deliver(msg.To, msg)

	default:
		slog.Warn("unroutable message type", "client", c.ID, "type", msg.Type)
	}
}

// joinRoom applies membership and emits the pairwise join fanout: every
// existing member learns of the joiner, and the joiner learns of every
// existing member through one message each.
func (h *Hub) joinRoom(c *Client, roomID string) {
	// Idempotent only for the exact same connection. A reconnected
	// client carries the same id but a fresh *Client while its old
	// socket may linger until the read deadline reaps it; the
	// membership entry must be re-pointed and the fanout replayed so
	// the new connection learns the room again.
	if room := h.registry.GetRoom(roomID); room != nil && room.Members[c.ID] == c {
		return
	}
	room, existing := h.registry.JoinRoom(roomID, c)
	slog.Info("client joined room", "client", c.ID, "room", room.ID, "members", len(room.Members))

	for _, m := range existing {
		h.deliver(m.ID, &signal.Message{
			Type:   signal.TypeJoin,
			From:   c.ID,
			To:     m.ID,
			RoomID: room.ID,
			PeerID: c.ID,
		})
		h.deliver(c.ID, &signal.Message{
			Type:   signal.TypeJoin,
			From:   m.ID,
			To:     c.ID,
			RoomID: room.ID,
			PeerID: m.ID,
		})
	}
}

// leaveRoom removes the client from its room, tells the remaining members,
// and lets the registry delete the room when it empties.
func (h *Hub) leaveRoom(c *Client) {
	room, remaining := h.registry.LeaveRoom(c.ID)
	if room == nil {
		return
	}
	if remaining == nil {
		slog.Info("room deleted", "room", room.ID)
		return
	}
	for _, m := range remaining {
		h.deliver(m.ID, &signal.Message{
			Type:   signal.TypeLeave,
			From:   c.ID,
			To:     m.ID,
			RoomID: room.ID,
			PeerID: c.ID,
		})
	}
}

// deliver is a direct lookup-and-send. Delivery to a nonexistent client is
// dropped and logged, not an error to the caller: at-most-once, no queuing.
func (h *Hub) deliver(clientID string, msg *signal.Message) {
	target := h.registry.GetClient(clientID)
	if target == nil {
		slog.Debug("dropping message for unknown client", "to", clientID, "type", msg.Type)
		return
	}
	select {
	case target.Send <- msg:
	default:
		slog.Warn("send queue full, dropping message", "to", clientID, "type", msg.Type)
	}
}
