package relay_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/xf079/LocalShare/internal/relay"
	"github.com/xf079/LocalShare/internal/signal"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.UserStore) {
	t.Helper()
	store := relay.NewUserStore()
	hub := relay.NewHub()
	go hub.Run()
	ts := httptest.NewServer(relay.NewRouter(store, hub))
	t.Cleanup(ts.Close)
	return ts, store
}

func registerUser(t *testing.T, ts *httptest.Server, username, roomID string) *relay.User {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "roomId": roomID})
	resp, err := http.Post(ts.URL+"/api/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	var user relay.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return &user
}

func dialWs(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *signal.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := signal.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func TestRegisterAPI(t *testing.T) {
	ts, _ := newTestServer(t)

	user := registerUser(t, ts, "alice", "alpha")
	if user.ID == "" || user.Username != "alice" || user.RoomID != "alpha" {
		t.Fatalf("unexpected user: %+v", user)
	}

	resp, err := http.Get(ts.URL + "/api/register/" + user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get user: status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/register/nope")
	if err != nil {
		t.Fatalf("get unknown user: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown user: status %d, want 404", resp.StatusCode)
	}
}

func TestRegisterRequiresUsername(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/register", "application/json",
		strings.NewReader(`{"roomId":"alpha"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func wsCloseCode(t *testing.T, ts *httptest.Server, path string) int {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	return closeErr.Code
}

func TestWsRejectsMissingUserID(t *testing.T) {
	ts, _ := newTestServer(t)
	if code := wsCloseCode(t, ts, "/ws"); code != relay.CloseMissingUserID {
		t.Errorf("close code %d, want %d", code, relay.CloseMissingUserID)
	}
}

func TestWsRejectsUnknownUserID(t *testing.T) {
	ts, _ := newTestServer(t)
	if code := wsCloseCode(t, ts, "/ws?userId=ghost"); code != relay.CloseUnknownUserID {
		t.Errorf("close code %d, want %d", code, relay.CloseUnknownUserID)
	}
}

func TestJoinFanoutIsPairwise(t *testing.T) {
	ts, _ := newTestServer(t)
	u1 := registerUser(t, ts, "alice", "alpha")
	u2 := registerUser(t, ts, "bob", "alpha")

	c1 := dialWs(t, ts, u1.ID)
	c2 := dialWs(t, ts, u2.ID)

	// Each side gets exactly one join naming the other.
	got1 := readMessage(t, c1)
	if got1.Type != signal.TypeJoin || got1.PeerID != u2.ID || got1.RoomID != "alpha" {
		t.Errorf("first client got %+v, want join for %s", got1, u2.ID)
	}
	got2 := readMessage(t, c2)
	if got2.Type != signal.TypeJoin || got2.PeerID != u1.ID || got2.RoomID != "alpha" {
		t.Errorf("second client got %+v, want join for %s", got2, u1.ID)
	}

	// No extra fanout frames queue up behind the pair.
	c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := c1.ReadMessage(); err == nil {
		t.Errorf("unexpected extra frame: %s", data)
	}
}

func TestReconnectReplaysJoinFanout(t *testing.T) {
	ts, _ := newTestServer(t)
	u1 := registerUser(t, ts, "alice", "alpha")
	u2 := registerUser(t, ts, "bob", "alpha")

	c1 := dialWs(t, ts, u1.ID)
	c2 := dialWs(t, ts, u2.ID)
	readMessage(t, c1)
	readMessage(t, c2)

	// Reconnect while the first socket is still registered. The new
	// socket must learn the room membership from scratch.
	c1b := dialWs(t, ts, u1.ID)
	got := readMessage(t, c1b)
	if got.Type != signal.TypeJoin || got.PeerID != u2.ID || got.RoomID != "alpha" {
		t.Errorf("reconnected client got %+v, want join for %s", got, u2.ID)
	}
	if got := readMessage(t, c2); got.Type != signal.TypeJoin || got.PeerID != u1.ID {
		t.Errorf("existing member got %+v, want join for %s", got, u1.ID)
	}

	// The old socket's eventual death must not evict the live
	// registration: routing still reaches the new socket.
	c1.Close()
	data, _ := signal.Encode(&signal.Message{
		Type:  signal.TypeOffer,
		To:    u1.ID,
		Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})
	if err := c2.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, c1b); got.Type != signal.TypeOffer || got.From != u2.ID {
		t.Errorf("offer after reconnect: %+v", got)
	}
}

func TestOfferRoutedWithSenderStamped(t *testing.T) {
	ts, _ := newTestServer(t)
	u1 := registerUser(t, ts, "alice", "alpha")
	u2 := registerUser(t, ts, "bob", "alpha")

	c1 := dialWs(t, ts, u1.ID)
	c2 := dialWs(t, ts, u2.ID)
	readMessage(t, c1) // join fanout
	readMessage(t, c2)

	offer := &signal.Message{
		Type: signal.TypeOffer,
		To:   u2.ID,
		// A forged From must be overwritten by the relay.
		From:  "forged",
		Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	}
	data, err := signal.Encode(offer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c1.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readMessage(t, c2)
	if got.Type != signal.TypeOffer {
		t.Fatalf("type %q, want offer", got.Type)
	}
	if got.From != u1.ID {
		t.Errorf("from %q, want sender id %q", got.From, u1.ID)
	}
	if got.Offer == nil || got.Offer.SDP != "v=0\r\n" {
		t.Errorf("offer payload altered: %+v", got.Offer)
	}
}

func TestPingGetsPong(t *testing.T) {
	ts, _ := newTestServer(t)
	u1 := registerUser(t, ts, "alice", "alpha")
	c1 := dialWs(t, ts, u1.ID)

	data, _ := signal.Encode(&signal.Message{Type: signal.TypePing})
	if err := c1.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readMessage(t, c1)
	if got.Type != signal.TypePong {
		t.Errorf("type %q, want pong", got.Type)
	}
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	ts, _ := newTestServer(t)
	u1 := registerUser(t, ts, "alice", "alpha")
	u2 := registerUser(t, ts, "bob", "alpha")

	c1 := dialWs(t, ts, u1.ID)
	c2 := dialWs(t, ts, u2.ID)
	readMessage(t, c1)
	readMessage(t, c2)

	c1.Close()

	got := readMessage(t, c2)
	if got.Type != signal.TypeLeave || got.PeerID != u1.ID {
		t.Errorf("got %+v, want leave for %s", got, u1.ID)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	u1 := registerUser(t, ts, "alice", "alpha")
	c1 := dialWs(t, ts, u1.ID)

	if err := c1.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Connection survives: a follow-up ping still round-trips.
	data, _ := signal.Encode(&signal.Message{Type: signal.TypePing})
	if err := c1.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if got := readMessage(t, c1); got.Type != signal.TypePong {
		t.Errorf("type %q, want pong", got.Type)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d, want 200", resp.StatusCode)
	}
}
