// Package chat carries text messages between peers over the dedicated
// chat data channel as msgpack envelopes, keeping chat traffic off the
// file channel entirely.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const MessageTypeChat = "chat"

// Channel is the transport slice the messenger needs; satisfied by a
// wrapped data channel.
type Channel interface {
	Send(data []byte) error
	OnMessage(f func(data []byte, binary bool))
}

// Envelope wraps every chat-channel frame.
type Envelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Message is one chat line.
type Message struct {
	ID     string    `msgpack:"id"`
	From   string    `msgpack:"from"`
	Text   string    `msgpack:"text"`
	SentAt time.Time `msgpack:"sentAt"`
}

// Messenger sends and receives chat messages on one peer's channel.
type Messenger struct {
	ch        Channel
	from      string
	onMessage func(Message)
}

// New binds a messenger to an open chat channel. onMessage observes every
// inbound chat line; it may be nil.
func New(ch Channel, from string, onMessage func(Message)) *Messenger {
	m := &Messenger{ch: ch, from: from, onMessage: onMessage}
	ch.OnMessage(m.handle)
	return m
}

// Send transmits one chat line.
func (m *Messenger) Send(text string) (Message, error) {
	msg := Message{
		ID:     uuid.NewString(),
		From:   m.from,
		Text:   text,
		SentAt: time.Now(),
	}
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode chat message: %w", err)
	}
	data, err := msgpack.Marshal(Envelope{Type: MessageTypeChat, Payload: payload})
	if err != nil {
		return Message{}, fmt.Errorf("encode chat envelope: %w", err)
	}
	if err := m.ch.Send(data); err != nil {
		return Message{}, fmt.Errorf("send chat message: %w", err)
	}
	return msg, nil
}

func (m *Messenger) handle(data []byte, binary bool) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Type != MessageTypeChat {
		return
	}
	var msg Message
	if err := msgpack.Unmarshal(env.Payload, &msg); err != nil {
		return
	}
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}
