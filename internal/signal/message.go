// Package signal defines the wire protocol shared by the relay and the
// client-side signaling channel. Messages are JSON over the websocket and
// are never mutated in transit; the relay routes them by address only.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message type constants.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Message is the tagged union carried over the signaling transport.
// Exactly one of Offer/Answer/Candidate is set for negotiation types;
// membership types carry RoomID and PeerID.
type Message struct {
	Type      string                     `json:"type"`
	From      string                     `json:"from,omitempty"`
	To        string                     `json:"to,omitempty"`
	RoomID    string                     `json:"roomId,omitempty"`
	PeerID    string                     `json:"peerId,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// known reports whether t is a member of the wire union.
func known(t string) bool {
	switch t {
	case TypeJoin, TypeLeave, TypePeerJoined, TypePeerLeft,
		TypeOffer, TypeAnswer, TypeICECandidate, TypePing, TypePong:
		return true
	}
	return false
}

// Parse decodes a wire frame. A frame that is not valid JSON or carries an
// unknown type is a protocol error; callers report it and keep the
// connection open.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed signaling message: %w", err)
	}
	if !known(msg.Type) {
		return nil, fmt.Errorf("unknown signaling message type %q", msg.Type)
	}
	return &msg, nil
}

// Encode marshals a message for the wire.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode signaling message: %w", err)
	}
	return data, nil
}
