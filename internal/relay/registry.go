package relay

import "time"

// Room is a membership table entry. A room with zero members is deleted
// immediately; no orphan rooms persist.
type Room struct {
	ID      string
	Name    string
	Members map[string]*Client
}

// Registry is the in-memory membership table: connected clients and the
// rooms they occupy. A client belongs to at most one room at a time.
//
// Registry is not safe for concurrent use on its own; the hub goroutine
// serializes all mutations, so a join and a leave for the same room can
// never interleave.
type Registry struct {
	rooms   map[string]*Room
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
	}
}

// AddClient records a connected client. It does not place the client in a
// room; that happens through JoinRoom.
func (r *Registry) AddClient(c *Client) {
	c.JoinedAt = time.Now()
	r.clients[c.ID] = c
}

// RemoveClient forgets a client entirely. Callers leave the room first.
func (r *Registry) RemoveClient(clientID string) {
	delete(r.clients, clientID)
}

// GetClient returns the connected client for an id, or nil.
func (r *Registry) GetClient(clientID string) *Client {
	return r.clients[clientID]
}

// Clients returns a snapshot of all connected clients.
func (r *Registry) Clients() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// CreateRoom makes an empty room keyed by id.
func (r *Registry) CreateRoom(id, name string) *Room {
	room := &Room{ID: id, Name: name, Members: make(map[string]*Client)}
	r.rooms[id] = room
	return room
}

// HasRoom reports whether a room currently exists.
func (r *Registry) HasRoom(id string) bool {
	_, ok := r.rooms[id]
	return ok
}

// GetRoom returns the room for an id, or nil.
func (r *Registry) GetRoom(id string) *Room {
	return r.rooms[id]
}

// JoinRoom places a client in a room, auto-creating the room if absent
// (default-room semantics). If the client is already in another room it is
// moved; the previous room is left first. Returns the joined room and the
// members that were present before the join, for notification fanout.
func (r *Registry) JoinRoom(roomID string, c *Client) (*Room, []*Client) {
	if c.RoomID != "" && c.RoomID != roomID {
		r.LeaveRoom(c.ID)
	}
	room, ok := r.rooms[roomID]
	if !ok {
		room = r.CreateRoom(roomID, roomID)
	}
	existing := make([]*Client, 0, len(room.Members))
	for _, m := range room.Members {
		if m.ID != c.ID {
			existing = append(existing, m)
		}
	}
	room.Members[c.ID] = c
	c.RoomID = roomID
	return room, existing
}

// LeaveRoom removes a client from its room and deletes the room if it
// becomes empty. Returns the room left (nil if the client was roomless)
// and the remaining members.
func (r *Registry) LeaveRoom(clientID string) (*Room, []*Client) {
	c, ok := r.clients[clientID]
	if !ok || c.RoomID == "" {
		return nil, nil
	}
	room, ok := r.rooms[c.RoomID]
	c.RoomID = ""
	if !ok {
		return nil, nil
	}
	delete(room.Members, clientID)
	if len(room.Members) == 0 {
		delete(r.rooms, room.ID)
		return room, nil
	}
	remaining := make([]*Client, 0, len(room.Members))
	for _, m := range room.Members {
		remaining = append(remaining, m)
	}
	return room, remaining
}
