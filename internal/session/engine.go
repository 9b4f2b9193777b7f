package session

import "github.com/huddlewire/huddle/internal/protocol"

// ConnState is the engine's view of transport connectivity, decoupled from
// any particular ICE implementation.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack describes a media track the remote side negotiated, with its
// declared purpose when the offer carried one.
type RemoteTrack struct {
	StreamID string
	TrackID  string
	Purpose  protocol.TrackPurpose
}

// Engine is the opaque negotiation backend for one peer pair. The
// orchestrator treats it as a black box: descriptions and candidates go in,
// local candidates and connectivity changes come out via callbacks.
// Callbacks must be registered before the first negotiation call and may be
// invoked from the engine's own goroutines.
type Engine interface {
	// CreateOffer produces and applies a local offer. iceRestart requests
	// fresh ICE credentials on an established session.
	CreateOffer(iceRestart bool) (protocol.SDP, error)

	// CreateAnswer produces and applies a local answer to the current
	// remote offer.
	CreateAnswer() (protocol.SDP, error)

	SetRemoteDescription(protocol.SDP) error
	AddICECandidate(protocol.Candidate) error

	// AddTrack and RemoveTrack change the local media the next offer
	// negotiates.
	AddTrack(purpose protocol.TrackPurpose) error
	RemoveTrack(purpose protocol.TrackPurpose) error

	OnLocalCandidate(func(protocol.Candidate))
	OnConnectionStateChange(func(ConnState))
	OnRemoteTrack(func(RemoteTrack))

	Close() error
}
