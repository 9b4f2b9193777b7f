package topology

import (
	"testing"

	"github.com/huddlewire/huddle/internal/protocol"
)

func TestMeshLaterJoinerInitiates(t *testing.T) {
	snapshot := []protocol.PeerInfo{{PeerID: "a"}, {PeerID: "b"}}

	targets := OfferTargets(Mesh, Participant, snapshot)
	if len(targets) != 2 || targets[0] != "a" || targets[1] != "b" {
		t.Fatalf("joiner targets = %v, want [a b]", targets)
	}

	// The existing member waits for the newcomer's offer.
	if InitiateTowardNewPeer(Mesh, Participant) {
		t.Fatal("existing mesh member should not initiate toward newcomer")
	}
}

func TestMeshExactlyOneInitiatorPerPair(t *testing.T) {
	// b joins after a: b sees a in its snapshot, a sees b via peer-joined.
	bInitiates := InitiatesOnJoin(Mesh, Participant, true)
	aInitiates := InitiateTowardNewPeer(Mesh, Participant)
	if bInitiates == aInitiates {
		t.Fatalf("pair has %d initiators, want exactly one", b2i(bInitiates)+b2i(aInitiates))
	}
	if !bInitiates {
		t.Fatal("later joiner must be the initiator")
	}
}

func TestStarOnlyBroadcasterInitiates(t *testing.T) {
	if !InitiateTowardNewPeer(Star, Broadcaster) {
		t.Fatal("broadcaster should initiate toward new viewer")
	}
	if InitiateTowardNewPeer(Star, Viewer) {
		t.Fatal("viewer should never initiate")
	}
	if got := OfferTargets(Star, Viewer, []protocol.PeerInfo{{PeerID: "x"}}); got != nil {
		t.Fatalf("viewer offer targets = %v, want none", got)
	}
	if got := OfferTargets(Star, Broadcaster, []protocol.PeerInfo{{PeerID: "v1"}, {PeerID: "v2"}}); len(got) != 2 {
		t.Fatalf("broadcaster offer targets = %v, want both viewers", got)
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
