package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xf079/LocalShare/internal/signal"
)

// Close codes for rejected websocket upgrades.
const (
	CloseMissingUserID = 4400
	CloseUnknownUserID = 4401
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// The relay is origin-agnostic; access control is the registration
	// step, not the Origin header.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewRouter wires the relay's HTTP surface: the registration API, the
// websocket upgrade, and a health endpoint.
func NewRouter(store *UserStore, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /api/register", handleRegister(store))
	mux.HandleFunc("GET /api/register", handleListUsers(store))
	mux.HandleFunc("GET /api/register/{userId}", handleGetUser(store))
	mux.HandleFunc("GET /ws", ServeWs(store, hub))
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

type registerRequest struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

func handleRegister(store *UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Username == "" {
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}
		user := store.Register(req.Username, req.RoomID)
		slog.Info("user registered", "user", user.ID, "username", user.Username, "room", user.RoomID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(user)
	}
}

func handleGetUser(store *UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := store.Get(r.PathValue("userId"))
		if user == nil {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(user)
	}
}

func handleListUsers(store *UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(store.All())
	}
}

// ServeWs upgrades the connection and attaches the client to its
// registered room. Unregistered callers are rejected after the upgrade
// with an application close code, which is the only way to hand a close
// code to a browser client.
func ServeWs(store *UserStore, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err)
			return
		}

		if userID == "" {
			closeWith(conn, CloseMissingUserID, "userId is required")
			return
		}
		user := store.Get(userID)
		if user == nil {
			closeWith(conn, CloseUnknownUserID, "unknown userId")
			return
		}

		client := &Client{
			Hub:      hub,
			Conn:     conn,
			ID:       user.ID,
			Username: user.Username,
			RoomID:   user.RoomID,
			Send:     make(chan *signal.Message, 256),
		}

		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}
