package main

import (
	"sync"

	"github.com/xf079/LocalShare/internal/chat"
	"github.com/xf079/LocalShare/internal/transfer"
)

// peerTable owns the per-peer channel attachments. Each peer's file
// channel gets its own transfer engine: an engine drives exactly one
// channel, so sharing one across peers would re-home in-flight
// transfers onto whichever channel attached last.
type peerTable struct {
	newEngine func() *transfer.Engine
	newChat   func(ch chat.Channel) *chat.Messenger

	mu         sync.Mutex
	messengers map[string]*chat.Messenger
	engines    map[string]*transfer.Engine
}

func newPeerTable(newEngine func() *transfer.Engine, newChat func(chat.Channel) *chat.Messenger) *peerTable {
	return &peerTable{
		newEngine:  newEngine,
		newChat:    newChat,
		messengers: make(map[string]*chat.Messenger),
		engines:    make(map[string]*transfer.Engine),
	}
}

func (p *peerTable) attachChat(peerID string, ch chat.Channel) {
	m := p.newChat(ch)
	p.mu.Lock()
	p.messengers[peerID] = m
	p.mu.Unlock()
}

func (p *peerTable) attachFile(peerID string, ch transfer.Channel) {
	e := p.newEngine()
	e.Attach(ch)
	p.mu.Lock()
	p.engines[peerID] = e
	p.mu.Unlock()
}

func (p *peerTable) drop(peerID string) {
	p.mu.Lock()
	delete(p.messengers, peerID)
	delete(p.engines, peerID)
	p.mu.Unlock()
}

// sendText fans one chat line out to every connected peer. Peers whose
// send failed come back keyed by id.
func (p *peerTable) sendText(text string) map[string]error {
	p.mu.Lock()
	ms := make(map[string]*chat.Messenger, len(p.messengers))
	for id, m := range p.messengers {
		ms[id] = m
	}
	p.mu.Unlock()

	var failed map[string]error
	for id, m := range ms {
		if _, err := m.Send(text); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[id] = err
		}
	}
	return failed
}

// sendFile starts one transfer per peer.
func (p *peerTable) sendFile(path string) map[string]error {
	p.mu.Lock()
	es := make(map[string]*transfer.Engine, len(p.engines))
	for id, e := range p.engines {
		es[id] = e
	}
	p.mu.Unlock()

	var failed map[string]error
	for id, e := range es {
		if _, err := e.SendFile(path); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[id] = err
		}
	}
	return failed
}
