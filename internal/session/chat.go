package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

const chatChannelLabel = "chat"

// chatChannel holds the negotiated "chat" data channel for one pair. The
// initiator opens it before its first offer; the responder adopts it from
// OnDataChannel. Either way both sides end up with the same channel.
type chatChannel struct {
	mu   sync.Mutex
	dc   *webrtc.DataChannel
	open bool
	cb   func([]byte)
}

// OpenChatChannel creates the chat data channel on the initiating side. Must
// run before the first offer so the channel rides the initial negotiation.
func (e *PionEngine) OpenChatChannel() error {
	dc, err := e.pc.CreateDataChannel(chatChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create chat channel: %w", err)
	}
	e.adoptChatChannel(dc)
	return nil
}

// OnChatMessage registers the receive callback and, on the responding side,
// arms adoption of the remotely created channel.
func (e *PionEngine) OnChatMessage(cb func([]byte)) {
	e.chat.mu.Lock()
	e.chat.cb = cb
	dc := e.chat.dc
	e.chat.mu.Unlock()

	if dc != nil {
		return // already adopted; OnMessage is wired
	}
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != chatChannelLabel {
			return
		}
		e.adoptChatChannel(dc)
	})
}

// SendChatMessage ships data over the negotiated channel. Reports an error
// until the channel has opened; callers fall back to relay fan-out.
func (e *PionEngine) SendChatMessage(data []byte) error {
	e.chat.mu.Lock()
	dc, open := e.chat.dc, e.chat.open
	e.chat.mu.Unlock()
	if dc == nil || !open {
		return fmt.Errorf("chat channel not open")
	}
	return dc.Send(data)
}

// ChatChannelOpen reports whether point-to-point chat is available.
func (e *PionEngine) ChatChannelOpen() bool {
	e.chat.mu.Lock()
	defer e.chat.mu.Unlock()
	return e.chat.open
}

func (e *PionEngine) adoptChatChannel(dc *webrtc.DataChannel) {
	e.chat.mu.Lock()
	e.chat.dc = dc
	e.chat.mu.Unlock()

	dc.OnOpen(func() {
		e.chat.mu.Lock()
		e.chat.open = true
		e.chat.mu.Unlock()
	})
	dc.OnClose(func() {
		e.chat.mu.Lock()
		e.chat.open = false
		e.chat.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.chat.mu.Lock()
		cb := e.chat.cb
		e.chat.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})
}
