package sigchan

import "github.com/xf079/LocalShare/internal/signal"

// State is the channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// EventKind names the bounded set of observable channel events.
type EventKind string

const (
	EventStateChange  EventKind = "state-change"
	EventMessage      EventKind = "message"
	EventPeerJoined   EventKind = "peer-joined"
	EventPeerLeft     EventKind = "peer-left"
	EventOffer        EventKind = "offer"
	EventAnswer       EventKind = "answer"
	EventICECandidate EventKind = "ice-candidate"
	EventError        EventKind = "error"
)

// Event carries one observation. Which fields are set depends on Kind:
// state-change sets State, errors set Err, everything else sets Message
// (and PeerID/RoomID for membership events).
type Event struct {
	Kind    EventKind
	State   State
	Message *signal.Message
	PeerID  string
	RoomID  string
	Err     error
}

// Handler observes channel events. Handlers run on the channel's internal
// goroutines and must not block.
type Handler func(Event)

// HandlerID identifies a registration for Off.
type HandlerID int
