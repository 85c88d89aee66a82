package transfer

import (
	"github.com/pion/webrtc/v4"
)

// Channel is the transport the engine runs on. It matches the surface of a
// WebRTC data channel without naming one, so the engine depends on the
// abstraction only and tests can swap in an in-memory pair.
type Channel interface {
	// SendText transmits a text frame (JSON control messages).
	SendText(data []byte) error
	// Send transmits a binary frame (raw chunk bytes).
	Send(data []byte) error

	// BufferedAmount reports bytes queued for send but not yet flushed.
	BufferedAmount() uint64
	// SetBufferedAmountLowThreshold arms OnBufferedAmountLow.
	SetBufferedAmountLowThreshold(n uint64)
	// OnBufferedAmountLow fires once the buffered amount drains below the
	// threshold.
	OnBufferedAmountLow(f func())

	// OnMessage delivers inbound frames; binary marks chunk payloads.
	OnMessage(f func(data []byte, binary bool))
	// OnClose fires when the transport closes underneath the engine.
	OnClose(f func())
}

// dataChannel adapts a pion data channel to Channel.
type dataChannel struct {
	dc *webrtc.DataChannel
}

// WrapDataChannel adapts an open pion data channel for Attach.
func WrapDataChannel(dc *webrtc.DataChannel) Channel {
	return &dataChannel{dc: dc}
}

func (c *dataChannel) SendText(data []byte) error { return c.dc.SendText(string(data)) }
func (c *dataChannel) Send(data []byte) error     { return c.dc.Send(data) }
func (c *dataChannel) BufferedAmount() uint64     { return c.dc.BufferedAmount() }

func (c *dataChannel) SetBufferedAmountLowThreshold(n uint64) {
	c.dc.SetBufferedAmountLowThreshold(n)
}

func (c *dataChannel) OnBufferedAmountLow(f func()) {
	c.dc.OnBufferedAmountLow(f)
}

func (c *dataChannel) OnMessage(f func(data []byte, binary bool)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data, !msg.IsString)
	})
}

func (c *dataChannel) OnClose(f func()) {
	c.dc.OnClose(f)
}
