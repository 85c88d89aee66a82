// Package sigchan implements the client side of the signaling protocol:
// one websocket connection to the relay with reconnection, heartbeat and
// typed event observation.
package sigchan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xf079/LocalShare/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024

	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
)

var (
	ErrUnsupportedTransport = errors.New("websocket transport unavailable")
	ErrAlreadyConnecting    = errors.New("connect already in progress")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrNotConnected         = errors.New("not connected")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
)

// Options tunes a Channel. Zero values fall back to the defaults above.
type Options struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	// Dialer overrides the websocket dialer; nil means the transport
	// capability is absent and Connect fails.
	Dialer *websocket.Dialer
}

// Channel owns the signaling transport. It is the only component that
// touches the websocket handle; everyone else talks to it through Send
// and the event registry.
type Channel struct {
	mu   sync.Mutex
	opts Options

	state        State
	userID       string
	roomID       string
	conn         *websocket.Conn
	outgoing     chan *signal.Message
	sessionDone  chan struct{}
	closed       chan struct{}
	torn         bool
	reconnecting bool
	attempts     int
	pongs        int

	handlers  map[EventKind]map[HandlerID]Handler
	nextID    HandlerID
	handlerMu sync.Mutex
}

// New creates a disconnected channel.
func New(opts Options) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[EventKind]map[HandlerID]Handler),
	}
}

// On registers a handler for an event kind and returns its id.
func (c *Channel) On(kind EventKind, h Handler) HandlerID {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[HandlerID]Handler)
	}
	c.handlers[kind][id] = h
	return id
}

// Off removes a registration. Unknown ids are ignored.
func (c *Channel) Off(kind EventKind, id HandlerID) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	delete(c.handlers[kind], id)
}

func (c *Channel) emit(ev Event) {
	c.handlerMu.Lock()
	hs := make([]Handler, 0, len(c.handlers[ev.Kind]))
	for _, h := range c.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	c.handlerMu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the id this channel connected with.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Pongs returns how many heartbeat pongs have been answered. The channel
// never enforces a pong deadline; dead transports surface through the read
// loop instead.
func (c *Channel) Pongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongs
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Kind: EventStateChange, State: s})
}

// Connect dials the relay as userID. Calling while Connecting or while
// Connected as a different user is an error; reconnecting as the same user
// is an idempotent success.
func (c *Channel) Connect(userID string) error {
	if c.opts.Dialer == nil || c.opts.URL == "" {
		return ErrUnsupportedTransport
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	case StateConnected:
		same := c.userID == userID
		c.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyConnected
	}
	c.userID = userID
	c.torn = false
	c.closed = make(chan struct{})
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, err := c.dial()
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect signaling relay: %w", err)
	}

	c.attach(conn)
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	return nil
}

func (c *Channel) dial() (*websocket.Conn, error) {
	url := c.opts.URL + "?userId=" + c.userID
	conn, _, err := c.opts.Dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// attach installs a live connection and starts its pumps.
func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.outgoing = make(chan *signal.Message, 256)
	c.sessionDone = make(chan struct{})
	outgoing, done := c.outgoing, c.sessionDone
	c.mu.Unlock()

	go c.writePump(conn, outgoing, done)
	go c.readPump(conn, done)
}

// Send queues a message for the relay. It reports false, never an error,
// when the transport is not open or the queue is full.
func (c *Channel) Send(msg *signal.Message) bool {
	c.mu.Lock()
	if c.state != StateConnected || c.outgoing == nil {
		c.mu.Unlock()
		return false
	}
	out := c.outgoing
	c.mu.Unlock()

	select {
	case out <- msg:
		return true
	default:
		return false
	}
}

// JoinRoom asks the relay to place us in roomID.
func (c *Channel) JoinRoom(roomID string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.roomID = roomID
	from := c.userID
	c.mu.Unlock()

	c.Send(&signal.Message{Type: signal.TypeJoin, From: from, RoomID: roomID})
	return nil
}

// LeaveRoom leaves the current room, if any.
func (c *Channel) LeaveRoom() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	roomID := c.roomID
	c.roomID = ""
	from := c.userID
	c.mu.Unlock()

	c.Send(&signal.Message{Type: signal.TypeLeave, From: from, RoomID: roomID})
	return nil
}

// Disconnect performs a clean close. No reconnection follows; in-flight
// waits observe teardown and abort.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.torn && c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.torn = true
	if c.closed != nil {
		select {
		case <-c.closed:
		default:
			close(c.closed)
		}
	}
	conn := c.conn
	c.conn = nil
	c.outgoing = nil
	c.roomID = ""
	c.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Channel) readPump(conn *websocket.Conn, done chan struct{}) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			c.handleClose(err)
			return
		}

		msg, perr := signal.Parse(data)
		if perr != nil {
			// Parse failures never crash the channel.
			c.emit(Event{Kind: EventError, Err: perr})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, outgoing chan *signal.Message, done chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			from := c.userID
			c.mu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&signal.Message{Type: signal.TypePing, From: from}); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

// dispatch fans an inbound message out to observers. Wire join/leave and
// their peer-joined/peer-left aliases surface as the same events.
func (c *Channel) dispatch(msg *signal.Message) {
	c.emit(Event{Kind: EventMessage, Message: msg})

	peerID := msg.PeerID
	if peerID == "" {
		peerID = msg.From
	}

	switch msg.Type {
	case signal.TypeJoin, signal.TypePeerJoined:
		c.emit(Event{Kind: EventPeerJoined, Message: msg, PeerID: peerID, RoomID: msg.RoomID})
	case signal.TypeLeave, signal.TypePeerLeft:
		c.emit(Event{Kind: EventPeerLeft, Message: msg, PeerID: peerID, RoomID: msg.RoomID})
	case signal.TypeOffer:
		c.emit(Event{Kind: EventOffer, Message: msg, PeerID: peerID})
	case signal.TypeAnswer:
		c.emit(Event{Kind: EventAnswer, Message: msg, PeerID: peerID})
	case signal.TypeICECandidate:
		c.emit(Event{Kind: EventICECandidate, Message: msg, PeerID: peerID})
	case signal.TypePong:
		c.mu.Lock()
		c.pongs++
		c.mu.Unlock()
	case signal.TypePing:
		c.Send(&signal.Message{Type: signal.TypePong, From: c.UserID(), To: msg.From})
	}
}

/// handleClose decides what a dead connection means: clean closes land in
// Disconnected, anything else starts the backoff reconnect loop.
func (c *Channel) clearReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *Channel) handleClose(err error) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		c.conn = nil
		c.outgoing = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.conn = nil
	c.outgoing = nil
	closed := c.closed
	c.mu.Unlock()

	slog.Warn("signaling connection lost, reconnecting", "err", err)
	c.setState(StateConnecting)
	go c.reconnectLoop(closed)
}

/// reconnectLoop retries with exponential backoff: the delay before attempt
// k is base << (k-1), and the attempt counter only resets once a dial
// lands back in Connected.
func (c *Channel) reconnectLoop(closed chan struct{}) {
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.opts.MaxReconnectAttempts {
			c.clearReconnecting()
			c.setState(StateDisconnected)
			c.emit(Event{Kind: EventError, Err: ErrReconnectExhausted})
			return
		}

		delay := c.opts.ReconnectBaseDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-closed:
			c.clearReconnecting()
			return
		}

		conn, err := c.dial()
		if err != nil {
			slog.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		// reconnecting must be clear before the new connection's read
		// pump starts: if the fresh connection dies immediately, its
		// handleClose has to be able to start the next loop.
		c.mu.Lock()
		c.attempts = 0
		c.reconnecting = false
		roomID := c.roomID
		from := c.userID
		c.mu.Unlock()
		c.attach(conn)
		c.setState(StateConnected)

		// Re-enter the room we were in before the drop.
		if roomID != "" {
			c.Send(&signal.Message{Type: signal.TypeJoin, From: from, RoomID: roomID})
		}
		return
	}
}
