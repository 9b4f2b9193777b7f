// Package protocol models the JSON wire surface between clients and the
// signaling relay.
//
// Every message is a UTF-8 JSON object with a mandatory `type` discriminator.
// This package intentionally owns validation so the relay and the client parse
// the exact same surface.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

const (
	// Mesh room lifecycle.
	KindJoin       Kind = "join"
	KindRoomPeers  Kind = "room-peers"
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"

	// Session negotiation, forwarded point-to-point.
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"

	// Metadata fan-out.
	KindScreenShareStarted Kind = "screen-share-started"
	KindScreenShareStopped Kind = "screen-share-stopped"
	KindUsernameUpdate     Kind = "username-update"

	// Chat: clients send chat-message, the relay fans out chat.
	KindChatMessage Kind = "chat-message"
	KindChat        Kind = "chat"

	// Star topology.
	KindCreateBroadcast  Kind = "create-broadcast"
	KindBroadcastCreated Kind = "broadcast-created"
	KindStartBroadcast   Kind = "start-broadcast"
	KindEndBroadcast     Kind = "end-broadcast"
	KindJoinBroadcast    Kind = "join-broadcast"
	KindLeaveBroadcast   Kind = "leave-broadcast"
	KindBroadcastInfo    Kind = "broadcast-info"
	KindBroadcastStarted Kind = "broadcast-started"
	KindBroadcastEnded   Kind = "broadcast-ended"
	KindViewerJoined     Kind = "viewer-joined"
	KindViewerLeft       Kind = "viewer-left"
	KindViewerCount      Kind = "viewer-count"

	KindError Kind = "error"
)

// TrackPurpose tags what a negotiated media track carries. Carried explicitly
// on offers and screen-share notices so receivers never have to guess from
// stream identity alone.
type TrackPurpose string

const (
	TrackPurposeCamera TrackPurpose = "camera"
	TrackPurposeScreen TrackPurpose = "screen"
)

// PeerInfo is the discovery shape delivered in room-peers snapshots.
type PeerInfo struct {
	PeerID          string `json:"peerId"`
	Username        string `json:"username,omitempty"`
	IsScreenSharing bool   `json:"isScreenSharing,omitempty"`
}

// ChatMessage is immutable once created and never persisted past process
// lifetime.
type ChatMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Envelope is the single wire shape for all message kinds. Optional fields are
// populated per kind; Validate enforces which.
type Envelope struct {
	Type Kind `json:"type"`

	RoomID      string `json:"roomId,omitempty"`
	BroadcastID string `json:"broadcastId,omitempty"`

	PeerID   string `json:"peerId,omitempty"`
	Username string `json:"username,omitempty"`

	// To is set by the sender on addressed messages; From is stamped by the
	// relay before forwarding.
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	SDP       *SDP         `json:"sdp,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`
	Purpose   TrackPurpose `json:"purpose,omitempty"`

	Peers []PeerInfo   `json:"peers,omitempty"`
	Chat  *ChatMessage `json:"chat,omitempty"`
	Text  string       `json:"text,omitempty"`

	IsLive              *bool  `json:"isLive,omitempty"`
	BroadcasterUsername string `json:"broadcasterUsername,omitempty"`
	ViewerCount         *int   `json:"viewerCount,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates a single inbound envelope. Unknown fields and
// trailing data are rejected so protocol drift surfaces immediately.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the required fields for inbound (client-to-relay) kinds.
// Relay-to-client kinds are constructed internally and accepted as-is.
func (e Envelope) Validate() error {
	switch e.Type {
	case KindJoin:
		if e.RoomID == "" {
			return fmt.Errorf("join message missing roomId")
		}
		if e.PeerID == "" {
			return fmt.Errorf("join message missing peerId")
		}
	case KindOffer, KindAnswer:
		if e.To == "" && e.From == "" {
			return fmt.Errorf("%s message missing to", e.Type)
		}
		if e.SDP == nil {
			return fmt.Errorf("%s message missing sdp", e.Type)
		}
		if want := string(e.Type); e.SDP.Type != want {
			return fmt.Errorf("%s message has sdp.type=%q", e.Type, e.SDP.Type)
		}
	case KindICECandidate:
		if e.To == "" && e.From == "" {
			return fmt.Errorf("ice-candidate message missing to")
		}
		if e.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
	case KindScreenShareStarted, KindScreenShareStopped, KindUsernameUpdate:
		// peerId is filled by the relay from the sending connection; username
		// is required only for username-update.
		if e.Type == KindUsernameUpdate && e.Username == "" {
			return fmt.Errorf("username-update message missing username")
		}
	case KindChatMessage:
		if e.Text == "" {
			return fmt.Errorf("chat-message missing text")
		}
	case KindCreateBroadcast:
		if e.PeerID == "" {
			return fmt.Errorf("create-broadcast message missing peerId")
		}
	case KindStartBroadcast, KindEndBroadcast:
		if e.BroadcastID == "" {
			return fmt.Errorf("%s message missing broadcastId", e.Type)
		}
	case KindJoinBroadcast, KindLeaveBroadcast:
		if e.BroadcastID == "" {
			return fmt.Errorf("%s message missing broadcastId", e.Type)
		}
		if e.PeerID == "" {
			return fmt.Errorf("%s message missing peerId", e.Type)
		}
	case KindRoomPeers, KindPeerJoined, KindPeerLeft, KindChat,
		KindBroadcastCreated, KindBroadcastInfo, KindBroadcastStarted, KindBroadcastEnded,
		KindViewerJoined, KindViewerLeft, KindViewerCount, KindError:
		// Relay-to-client kinds; clients may receive but never send them.
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}
