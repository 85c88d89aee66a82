package relay

import (
	"sync"

	"github.com/google/uuid"
)

// User is a registration record created through the HTTP API before the
// websocket upgrade.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

// UserStore is the in-memory registration table. Unlike the registry it is
// read from HTTP handler goroutines, so it carries its own lock.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*User)}
}

// Register creates a user with a fresh id.
func (s *UserStore) Register(username, roomID string) *User {
	u := &User{ID: uuid.NewString(), Username: username, RoomID: roomID}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return u
}

// Get returns the user for an id, or nil.
func (s *UserStore) Get(id string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// All returns a snapshot of every registered user.
func (s *UserStore) All() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}
