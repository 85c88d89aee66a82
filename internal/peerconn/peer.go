package peerconn

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// ConnectionState is the per-peer negotiation lifecycle. Failed and Closed
// are terminal and tear down everything that hangs off the peer.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// terminal reports whether the state ends the peer's lifetime.
func (s ConnectionState) terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Data channel labels created by the offering side.
const (
	ChatChannelLabel = "chat"
	FileChannelLabel = "file-transfer"
)

// Peer is one remote peer's negotiation state. Owned exclusively by the
// orchestrator; nothing outside the package holds a reference.
type Peer struct {
	id string
	pc *webrtc.PeerConnection

	state ConnectionState

	// Candidates that arrived before the remote description are buffered
	// here and applied once SetRemoteDescription lands; the negotiation
	// layer silently rejects them otherwise.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	// pcClosed records that the connection itself reported Closed, so
	// teardown must not close it a second time.
	pcClosed bool

	chatDC *webrtc.DataChannel
	fileDC *webrtc.DataChannel

	remoteTracks []*webrtc.TrackRemote

	lastSeen time.Time
}

// ID returns the remote peer id.
func (p *Peer) ID() string { return p.id }
