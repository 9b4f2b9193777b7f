// Package topology decides, for a given call shape, which side of each peer
// pair initiates the WebRTC offer. Keeping the rule in one place means every
// participant computes the same answer from the same signaling events and no
// pair ever ends up with two offers in flight.
package topology

import "github.com/huddlewire/huddle/internal/protocol"

// Shape selects the connection graph of a call.
type Shape int

const (
	// Mesh connects every participant to every other participant.
	Mesh Shape = iota
	// Star connects the broadcaster to each viewer; viewers never connect
	// to each other.
	Star
)

func (s Shape) String() string {
	switch s {
	case Mesh:
		return "mesh"
	case Star:
		return "star"
	default:
		return "unknown"
	}
}

// Role is a participant's position in a Star call.
type Role int

const (
	Participant Role = iota // mesh member
	Broadcaster
	Viewer
)

func (r Role) String() string {
	switch r {
	case Participant:
		return "participant"
	case Broadcaster:
		return "broadcaster"
	case Viewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// InitiatesOnJoin reports whether the local participant should send the
// offer toward remoteID.
//
// Mesh: the later joiner initiates toward each peer already present. The
// join snapshot lists exactly those peers, so the local side initiates
// toward every snapshot entry and waits for offers from everyone who joins
// afterwards. Both sides agree because both observe the same join order.
//
// Star: only the broadcaster initiates. A viewer always waits.
func InitiatesOnJoin(shape Shape, role Role, inJoinSnapshot bool) bool {
	switch shape {
	case Mesh:
		return inJoinSnapshot
	case Star:
		return role == Broadcaster
	default:
		return false
	}
}

// OfferTargets returns the peers the local participant must initiate toward
// immediately after joining, given the snapshot from the join reply. In a
// star call a viewer gets no targets; the broadcaster initiates toward each
// viewer as it arrives (see InitiateTowardNewPeer).
func OfferTargets(shape Shape, role Role, snapshot []protocol.PeerInfo) []string {
	switch shape {
	case Mesh:
		ids := make([]string, 0, len(snapshot))
		for _, p := range snapshot {
			ids = append(ids, p.PeerID)
		}
		return ids
	case Star:
		if role != Broadcaster {
			return nil
		}
		ids := make([]string, 0, len(snapshot))
		for _, p := range snapshot {
			ids = append(ids, p.PeerID)
		}
		return ids
	default:
		return nil
	}
}

// InitiateTowardNewPeer reports whether the local participant should send an
// offer when a peer-joined (or viewer-joined) notice arrives. In a mesh the
// existing member waits for the newcomer's offer. In a star the broadcaster
// initiates toward each new viewer; the notice of a new viewer arriving at
// another viewer requires nothing.
func InitiateTowardNewPeer(shape Shape, role Role) bool {
	return shape == Star && role == Broadcaster
}
