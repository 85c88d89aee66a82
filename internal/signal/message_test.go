package signal_test

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/xf079/LocalShare/internal/signal"
)

func TestParseKnownTypes(t *testing.T) {
	for _, typ := range []string{
		signal.TypeJoin, signal.TypeLeave, signal.TypePeerJoined,
		signal.TypePeerLeft, signal.TypeOffer, signal.TypeAnswer,
		signal.TypeICECandidate, signal.TypePing, signal.TypePong,
	} {
		msg, err := signal.Parse([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Errorf("Parse(%q): %v", typ, err)
			continue
		}
		if msg.Type != typ {
			t.Errorf("Parse(%q): got type %q", typ, msg.Type)
		}
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := signal.Parse([]byte(`{"type":"renegotiate"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "renegotiate") {
		t.Errorf("error %q should name the offending type", err)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	for _, frame := range []string{"", "{", `"join"`, `[1,2]`} {
		if _, err := signal.Parse([]byte(frame)); err == nil {
			t.Errorf("Parse(%q): expected error", frame)
		}
	}
}

func TestRoundTripPreservesPayload(t *testing.T) {
	in := &signal.Message{
		Type: signal.TypeOffer,
		From: "u1",
		To:   "u2",
		Offer: &webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n",
		},
	}
	data, err := signal.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := signal.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.From != "u1" || out.To != "u2" {
		t.Errorf("addressing lost: from=%q to=%q", out.From, out.To)
	}
	if out.Offer == nil || out.Offer.SDP != in.Offer.SDP {
		t.Errorf("offer payload lost: %+v", out.Offer)
	}
	if out.Answer != nil || out.Candidate != nil {
		t.Error("unset union members should stay nil")
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	data, err := signal.Encode(&signal.Message{Type: signal.TypePing})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := string(data), `{"type":"ping"}`; got != want {
		t.Errorf("Encode = %s, want %s", got, want)
	}
}
