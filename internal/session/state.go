package session

// State is the lifecycle position of one local-remote peer pair. Exactly one
// orchestrator exists per pair, so the state fully describes that pair.
type State int

const (
	// Idle: orchestrator exists, no negotiation started.
	Idle State = iota
	// OfferSent: local offer is on the wire, waiting for the answer.
	OfferSent
	// OfferReceived: remote offer applied, local answer sent.
	OfferReceived
	// Connected: descriptions exchanged. Entered optimistically; ICE
	// completion is reported asynchronously by the engine.
	Connected
	// Renegotiating: a live session is exchanging fresh descriptions, for a
	// track change or an ICE restart. The session itself is reused.
	Renegotiating
	// Failed: terminal connectivity failure after the restart budget is
	// spent.
	Failed
	// Closed: torn down locally or because the remote peer left.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case Connected:
		return "connected"
	case Renegotiating:
		return "renegotiating"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool { return s == Failed || s == Closed }
