package peerconn

import (
	"log/slog"

	"github.com/xf079/LocalShare/internal/sigchan"
	"github.com/xf079/LocalShare/internal/signal"
)

// SignalEvents is the slice of the signaling channel the orchestrator
// observes; satisfied by sigchan.Channel.
type SignalEvents interface {
	On(kind sigchan.EventKind, h sigchan.Handler) sigchan.HandlerID
}

// shouldInitiate picks exactly one offerer per pair. Both sides of a join
// learn about each other through one notification each, so without a
// deterministic rule both would offer at once.
func shouldInitiate(selfID, peerID string) bool {
	return selfID < peerID
}

// Bind subscribes the orchestrator to channel events so membership and
// negotiation messages drive the per-peer state machines end to end.
func (o *Orchestrator) Bind(events SignalEvents) {
	events.On(sigchan.EventPeerJoined, func(ev sigchan.Event) {
		if ev.PeerID == "" || !shouldInitiate(o.userID, ev.PeerID) {
			return
		}
		if _, err := o.CreatePeerConnection(ev.PeerID); err != nil {
			slog.Warn("peer connection setup failed", "peer", ev.PeerID, "err", err)
			return
		}
		offer, err := o.CreateOffer(ev.PeerID)
		if err != nil {
			slog.Warn("offer failed", "peer", ev.PeerID, "err", err)
			o.ClosePeer(ev.PeerID)
			return
		}
		o.sender.Send(&signal.Message{
			Type:  signal.TypeOffer,
			From:  o.userID,
			To:    ev.PeerID,
			Offer: offer,
		})
	})

	events.On(sigchan.EventPeerLeft, func(ev sigchan.Event) {
		if ev.PeerID != "" {
			o.ClosePeer(ev.PeerID)
		}
	})

	events.On(sigchan.EventOffer, func(ev sigchan.Event) {
		msg := ev.Message
		if msg == nil || msg.Offer == nil || msg.From == "" {
			return
		}
		if _, err := o.CreatePeerConnection(msg.From); err != nil {
			slog.Warn("peer connection setup failed", "peer", msg.From, "err", err)
			return
		}
		if err := o.SetRemoteDescription(msg.From, *msg.Offer); err != nil {
			slog.Warn("remote offer rejected", "peer", msg.From, "err", err)
			o.ClosePeer(msg.From)
			return
		}
		answer, err := o.CreateAnswer(msg.From)
		if err != nil {
			slog.Warn("answer failed", "peer", msg.From, "err", err)
			o.ClosePeer(msg.From)
			return
		}
		o.sender.Send(&signal.Message{
			Type:   signal.TypeAnswer,
			From:   o.userID,
			To:     msg.From,
			Answer: answer,
		})
	})

	events.On(sigchan.EventAnswer, func(ev sigchan.Event) {
		msg := ev.Message
		if msg == nil || msg.Answer == nil {
			return
		}
		if err := o.SetRemoteDescription(msg.From, *msg.Answer); err != nil {
			slog.Warn("remote answer rejected", "peer", msg.From, "err", err)
		}
	})

	events.On(sigchan.EventICECandidate, func(ev sigchan.Event) {
		msg := ev.Message
		if msg == nil || msg.Candidate == nil {
			return
		}
		if err := o.AddICECandidate(msg.From, *msg.Candidate); err != nil {
			slog.Warn("candidate rejected", "peer", msg.From, "err", err)
		}
	})
}
