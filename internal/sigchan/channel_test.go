package sigchan_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xf079/LocalShare/internal/sigchan"
	"github.com/xf079/LocalShare/internal/signal"
)

// wsServer accepts websocket upgrades and hands each server-side
// connection to the test.
type wsServer struct {
	ts    *httptest.Server
	conns chan *websocket.Conn
}

func newWsServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func waitState(t *testing.T, c *sigchan.Channel, want sigchan.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %v never reached, stuck at %v", want, c.State())
}

func TestConnectTransitionsToConnected(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})

	if c.State() != sigchan.StateDisconnected {
		t.Fatalf("initial state %v", c.State())
	}

	var states []sigchan.State
	done := make(chan struct{})
	c.On(sigchan.EventStateChange, func(ev sigchan.Event) {
		states = append(states, ev.State)
		if ev.State == sigchan.StateConnected {
			close(done)
		}
	})

	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	if len(states) < 2 || states[0] != sigchan.StateConnecting || states[len(states)-1] != sigchan.StateConnected {
		t.Errorf("state sequence %v, want Connecting then Connected", states)
	}
	if c.UserID() != "u1" {
		t.Errorf("UserID = %q", c.UserID())
	}
}

func TestConnectWithoutTransport(t *testing.T) {
	c := sigchan.New(sigchan.Options{})
	if err := c.Connect("u1"); !errors.Is(err, sigchan.ErrUnsupportedTransport) {
		t.Errorf("Connect = %v, want ErrUnsupportedTransport", err)
	}
}

func TestConnectIdempotentForSameUser(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})
	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect("u1"); err != nil {
		t.Errorf("same-user reconnect = %v, want nil", err)
	}
	if err := c.Connect("u2"); !errors.Is(err, sigchan.ErrAlreadyConnected) {
		t.Errorf("different-user connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestSendFailsWhenDisconnected(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})

	if c.Send(&signal.Message{Type: signal.TypePing}) {
		t.Error("Send before Connect should report false")
	}
	if err := c.JoinRoom("alpha"); !errors.Is(err, sigchan.ErrNotConnected) {
		t.Errorf("JoinRoom = %v, want ErrNotConnected", err)
	}

	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	if c.Send(&signal.Message{Type: signal.TypePing}) {
		t.Error("Send after Disconnect should report false")
	}
}

func TestJoinRoomGoesOverTheWire(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})
	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	conn := srv.accept(t)

	if err := c.JoinRoom("alpha"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signal.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if msg.Type != signal.TypeJoin || msg.RoomID != "alpha" || msg.From != "u1" {
		t.Errorf("wire frame %+v", msg)
	}
}

func TestMalformedFrameEmitsErrorAndSurvives(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})

	errs := make(chan error, 1)
	c.On(sigchan.EventError, func(ev sigchan.Event) {
		select {
		case errs <- ev.Err:
		default:
		}
	})
	joined := make(chan string, 1)
	c.On(sigchan.EventPeerJoined, func(ev sigchan.Event) {
		joined <- ev.PeerID
	})

	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	conn := srv.accept(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("no error event for malformed frame")
	}

	// A valid frame after the bad one still dispatches.
	if err := conn.WriteJSON(&signal.Message{Type: signal.TypeJoin, PeerID: "u2", RoomID: "alpha"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case peer := <-joined:
		if peer != "u2" {
			t.Errorf("peer %q, want u2", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join event never arrived")
	}
}

func TestPeerLeftAliasDispatch(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})

	left := make(chan string, 2)
	c.On(sigchan.EventPeerLeft, func(ev sigchan.Event) {
		left <- ev.PeerID
	})

	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	conn := srv.accept(t)

	// Both the wire type and its alias surface as the same event, and a
	// missing peerId falls back to from.
	conn.WriteJSON(&signal.Message{Type: signal.TypeLeave, PeerID: "u2"})
	conn.WriteJSON(&signal.Message{Type: signal.TypePeerLeft, From: "u3"})

	for _, want := range []string{"u2", "u3"} {
		select {
		case peer := <-left:
			if peer != want {
				t.Errorf("peer %q, want %q", peer, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("leave event for %s never arrived", want)
		}
	}
}

func TestHeartbeatPingPong(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{
		URL:               srv.url(),
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	conn := srv.accept(t)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signal.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if msg.Type != signal.TypePing || msg.From != "u1" {
		t.Fatalf("heartbeat frame %+v", msg)
	}

	if err := conn.WriteJSON(&signal.Message{Type: signal.TypePong}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for c.Pongs() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pong never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbruptCloseTriggersReconnectAndRejoin(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{
		URL:                srv.url(),
		ReconnectBaseDelay: 5 * time.Millisecond,
	})
	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	first := srv.accept(t)

	if err := c.JoinRoom("alpha"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signal.Message
	if err := first.ReadJSON(&msg); err != nil {
		t.Fatalf("server read: %v", err)
	}

	// Kill the transport without a close frame.
	first.Close()

	second := srv.accept(t)
	waitState(t, c, sigchan.StateConnected)

	// The channel re-enters its room on the fresh connection.
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := second.ReadJSON(&msg); err != nil {
		t.Fatalf("server read after reconnect: %v", err)
	}
	if msg.Type != signal.TypeJoin || msg.RoomID != "alpha" {
		t.Errorf("rejoin frame %+v", msg)
	}
}

func TestReconnectSurvivesImmediateDrop(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{
		URL:                  srv.url(),
		HeartbeatInterval:    20 * time.Millisecond,
		ReconnectBaseDelay:   time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	srv.accept(t).Close()

	// Kill the replacement the moment it lands; a third dial must
	// still follow.
	srv.accept(t).Close()

	third := srv.accept(t)
	waitState(t, c, sigchan.StateConnected)

	// The surviving transport carries traffic: the heartbeat shows up.
	third.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signal.Message
	if err := third.ReadJSON(&msg); err != nil {
		t.Fatalf("no traffic on the final transport: %v", err)
	}
	if msg.Type != signal.TypePing {
		t.Errorf("first frame %q, want ping", msg.Type)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{
		URL:                  srv.url(),
		ReconnectBaseDelay:   time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	errs := make(chan error, 4)
	c.On(sigchan.EventError, func(ev sigchan.Event) {
		errs <- ev.Err
	})

	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := srv.accept(t)

	// Take the server down so every retry fails.
	srv.ts.Close()
	conn.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-errs:
			if errors.Is(err, sigchan.ErrReconnectExhausted) {
				waitState(t, c, sigchan.StateDisconnected)
				return
			}
		case <-deadline:
			t.Fatal("exhaustion error never surfaced")
		}
	}
}

func TestDisconnectIsClean(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})
	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := srv.accept(t)

	c.Disconnect()
	waitState(t, c, sigchan.StateDisconnected)

	// The server observes a normal closure, not an abrupt drop.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("server saw %v, want normal closure", err)
	}

	// Disconnect twice is a no-op.
	c.Disconnect()
}

func TestOffRemovesHandler(t *testing.T) {
	srv := newWsServer(t)
	c := sigchan.New(sigchan.Options{URL: srv.url()})

	calls := make(chan struct{}, 2)
	id := c.On(sigchan.EventPeerJoined, func(ev sigchan.Event) {
		calls <- struct{}{}
	})
	c.Off(sigchan.EventPeerJoined, id)

	kept := make(chan struct{}, 2)
	c.On(sigchan.EventPeerJoined, func(ev sigchan.Event) {
		kept <- struct{}{}
	})

	if err := c.Connect("u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	conn := srv.accept(t)
	conn.WriteJSON(&signal.Message{Type: signal.TypeJoin, PeerID: "u2"})

	select {
	case <-kept:
	case <-time.After(5 * time.Second):
		t.Fatal("surviving handler never fired")
	}
	select {
	case <-calls:
		t.Error("removed handler fired")
	default:
	}
}
