// Package peerconn drives WebRTC negotiation: one state machine per remote
// peer, offers and answers exchanged through the signaling channel, and an
// open pair of data channels handed off once a connection completes.
package peerconn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xf079/LocalShare/internal/signal"
)

var (
	ErrPeerNotFound = errors.New("no connection for peer")
	ErrPeerExists   = errors.New("connection already exists for peer")
	ErrNegotiation  = errors.New("negotiation failed")
	ErrOrchestrator = errors.New("orchestrator destroyed")
)

// SignalSender transmits signaling messages; satisfied by sigchan.Channel.
type SignalSender interface {
	Send(*signal.Message) bool
}

// Callbacks is the bounded set of orchestrator observations. Nil fields
// are skipped. Set before the first CreatePeerConnection call.
type Callbacks struct {
	// PeerConnected fires when a peer reaches Connected.
	PeerConnected func(peerID string)
	// PeerDisconnected fires after a terminal state tears the peer down.
	PeerDisconnected func(peerID string)
	// RemoteStream fires for each remote media track received.
	RemoteStream func(peerID string, track *webrtc.TrackRemote)
	// DataChannel hands off an open data channel, keyed by its label.
	DataChannel func(peerID string, dc *webrtc.DataChannel)
}

// Orchestrator owns every Peer entry. Peers are independent: a failure in
// one never touches another.
type Orchestrator struct {
	mu sync.Mutex

	userID string
	sender SignalSender
	config webrtc.Configuration
	cb     Callbacks

	peers  map[string]*Peer
	tracks []webrtc.TrackLocal

	// orphans holds candidates that trickled in before the peer's
	// connection object existed; they slot into the peer's pending
	// buffer on creation.
	orphans map[string][]webrtc.ICECandidateInit

	destroyed bool
}

// maxOrphanCandidates bounds the per-peer buffer for candidates arriving
// ahead of the connection object.
const maxOrphanCandidates = 32

// New creates an orchestrator signing messages as userID.
func New(userID string, sender SignalSender, config webrtc.Configuration, cb Callbacks) *Orchestrator {
	return &Orchestrator{
		userID:  userID,
		sender:  sender,
		config:  config,
		cb:      cb,
		peers:   make(map[string]*Peer),
		orphans: make(map[string][]webrtc.ICECandidateInit),
	}
}

// AddLocalTrack registers a ready media track to attach to every new peer
// connection. The capture layer hands tracks in; this package never opens
// devices.
func (o *Orchestrator) AddLocalTrack(track webrtc.TrackLocal) {
	o.mu.Lock()
	o.tracks = append(o.tracks, track)
	o.mu.Unlock()
}

// Peers returns the ids with live connections.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.peers))
	for id := range o.peers {
		out = append(out, id)
	}
	return out
}

// PeerState returns the state for a peer id.
func (o *Orchestrator) PeerState(peerID string) (ConnectionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[peerID]
	if !ok {
		return StateNew, ErrPeerNotFound
	}
	return p.state, nil
}

// CreatePeerConnection establishes the local connection object for a peer,
// attaches active local tracks and wires the inbound triggers: produced ICE
// candidates forward through signaling, received tracks surface as remote
// streams, and received data channels hand off by label.
func (o *Orchestrator) CreatePeerConnection(peerID string) (*Peer, error) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil, ErrOrchestrator
	}
	if _, ok := o.peers[peerID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, peerID)
	}
	tracks := o.tracks
	o.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(o.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return nil, fmt.Errorf("%w: add track: %v", ErrNegotiation, err)
		}
	}

	peer := &Peer{id: peerID, pc: pc, state: StateNew, lastSeen: time.Now()}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		o.sender.Send(&signal.Message{
			Type:      signal.TypeICECandidate,
			From:      o.userID,
			To:        peerID,
			Candidate: &init,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.mu.Lock()
		peer.remoteTracks = append(peer.remoteTracks, track)
		o.mu.Unlock()
		if o.cb.RemoteStream != nil {
			o.cb.RemoteStream(peerID, track)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		o.mu.Lock()
		switch dc.Label() {
		case ChatChannelLabel:
			peer.chatDC = dc
		case FileChannelLabel:
			peer.fileDC = dc
		}
		o.mu.Unlock()
		if o.cb.DataChannel != nil {
			o.cb.DataChannel(peerID, dc)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		o.handleStateChange(peerID, s)
	})

	o.mu.Lock()
	peer.pending = o.orphans[peerID]
	delete(o.orphans, peerID)
	o.peers[peerID] = peer
	o.mu.Unlock()
	return peer, nil
}

// handleStateChange maps the underlying capability's state onto the
// per-peer machine and tears the peer down on terminal states.
func (o *Orchestrator) handleStateChange(peerID string, s webrtc.PeerConnectionState) {
	var next ConnectionState
	switch s {
	case webrtc.PeerConnectionStateNew:
		next = StateNew
	case webrtc.PeerConnectionStateConnecting:
		next = StateConnecting
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		next = StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		next = StateFailed
	case webrtc.PeerConnectionStateClosed:
		next = StateClosed
	default:
		return
	}

	o.mu.Lock()
	peer, ok := o.peers[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	peer.state = next
	peer.lastSeen = time.Now()
	if next == StateClosed {
		peer.pcClosed = true
	}
	o.mu.Unlock()

	slog.Debug("peer connection state", "peer", peerID, "state", next.String())

	switch {
	case next == StateConnected:
		if o.cb.PeerConnected != nil {
			o.cb.PeerConnected(peerID)
		}
	case next.terminal():
		o.removePeer(peerID, next)
	}
}

// removePeer closes and discards the data channels, stops remote tracks,
// removes the entry and emits peer-disconnected. Safe to call for peers
// already gone.
func (o *Orchestrator) removePeer(peerID string, state ConnectionState) {
	o.mu.Lock()
	peer, ok := o.peers[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.peers, peerID)
	delete(o.orphans, peerID)
	alreadyClosed := peer.pcClosed
	o.mu.Unlock()

	if peer.chatDC != nil {
		peer.chatDC.Close()
	}
	if peer.fileDC != nil {
		peer.fileDC.Close()
	}
	// Close the connection unless it was the connection itself that
	// reported Closed; ICE and DTLS stay alive otherwise.
	if !alreadyClosed {
		peer.pc.Close()
	}

	slog.Info("peer removed", "peer", peerID, "state", state.String())
	if o.cb.PeerDisconnected != nil {
		o.cb.PeerDisconnected(peerID)
	}
}

// openDataChannels creates the outbound chat and file channels. Only the
// offering side calls this; the answering side receives them through
// OnDataChannel.
func (o *Orchestrator) openDataChannels(peer *Peer) error {
	ordered := true
	for _, label := range []string{ChatChannelLabel, FileChannelLabel} {
		dc, err := peer.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return fmt.Errorf("%w: create %s channel: %v", ErrNegotiation, label, err)
		}
		o.mu.Lock()
		if label == ChatChannelLabel {
			peer.chatDC = dc
		} else {
			peer.fileDC = dc
		}
		o.mu.Unlock()

		dc.OnOpen(func() {
			if o.cb.DataChannel != nil {
				o.cb.DataChannel(peer.id, dc)
			}
		})
	}
	return nil
}

// CreateOffer produces and sets the local description for a peer. The
// caller transmits it; trickled candidates go out through OnICECandidate
// as they are gathered.
func (o *Orchestrator) CreateOffer(peerID string) (*webrtc.SessionDescription, error) {
	peer, err := o.lookup(peerID)
	if err != nil {
		return nil, err
	}
	if err := o.openDataChannels(peer); err != nil {
		return nil, err
	}
	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	return peer.pc.LocalDescription(), nil
}

// CreateAnswer produces and sets the local answer for a peer whose remote
// offer has been applied.
func (o *Orchestrator) CreateAnswer(peerID string) (*webrtc.SessionDescription, error) {
	peer, err := o.lookup(peerID)
	if err != nil {
		return nil, err
	}
	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	return peer.pc.LocalDescription(), nil
}

// SetRemoteDescription applies a remote offer or answer, then flushes any
// candidates that arrived ahead of it.
func (o *Orchestrator) SetRemoteDescription(peerID string, desc webrtc.SessionDescription) error {
	peer, err := o.lookup(peerID)
	if err != nil {
		return err
	}
	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiation, err)
	}

	o.mu.Lock()
	peer.remoteSet = true
	pending := peer.pending
	peer.pending = nil
	o.mu.Unlock()

	for _, cand := range pending {
		if err := peer.pc.AddICECandidate(cand); err != nil {
			slog.Warn("buffered candidate rejected", "peer", peerID, "err", err)
		}
	}
	return nil
}

// AddICECandidate applies a trickled candidate. Candidates may arrive out
// of order relative to the description or even ahead of the offer that
// creates the peer; those that do are buffered, not dropped. An unknown
// peer is therefore not an error here: the candidate is held for the
// connection the offer is about to create, up to a fixed cap per peer.
func (o *Orchestrator) AddICECandidate(peerID string, cand webrtc.ICECandidateInit) error {
	o.mu.Lock()
	peer, ok := o.peers[peerID]
	if !ok {
		if o.destroyed {
			o.mu.Unlock()
			return ErrOrchestrator
		}
		if len(o.orphans[peerID]) < maxOrphanCandidates {
			o.orphans[peerID] = append(o.orphans[peerID], cand)
		}
		o.mu.Unlock()
		return nil
	}
	if !peer.remoteSet {
		peer.pending = append(peer.pending, cand)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := peer.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// PendingCandidates reports how many candidates are buffered for a peer.
func (o *Orchestrator) PendingCandidates(peerID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.peers[peerID]; ok {
		return len(p.pending)
	}
	return len(o.orphans[peerID])
}

// ClosePeer tears one peer down deliberately.
func (o *Orchestrator) ClosePeer(peerID string) {
	o.removePeer(peerID, StateClosed)
}

// Destroy tears down every peer and rejects further use.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	o.destroyed = true
	ids := make([]string, 0, len(o.peers))
	for id := range o.peers {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.removePeer(id, StateClosed)
	}
}

func (o *Orchestrator) lookup(peerID string) (*Peer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	peer, ok := o.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return peer, nil
}
