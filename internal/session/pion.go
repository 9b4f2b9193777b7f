package session

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/huddlewire/huddle/internal/protocol"
)

// NewAPI builds the shared webrtc API with pion's internals logging through
// the given factory. Tests swap in a vnet-backed SettingEngine instead.
func NewAPI(lf logging.LoggerFactory) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: lf}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// PionEngine implements Engine over a pion PeerConnection. Each engine
// carries a "chat" data channel when it initiates, so mesh chat can travel
// peer-to-peer once the pair connects.
type PionEngine struct {
	pc   *webrtc.PeerConnection
	chat chatChannel

	mu      sync.Mutex
	senders map[protocol.TrackPurpose]*webrtc.RTPSender
}

func NewPionEngine(api *webrtc.API, iceServers []webrtc.ICEServer) (*PionEngine, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionEngine{
		pc:      pc,
		senders: make(map[protocol.TrackPurpose]*webrtc.RTPSender),
	}, nil
}

// PeerConnection exposes the underlying connection for data-channel setup
// and tests.
func (e *PionEngine) PeerConnection() *webrtc.PeerConnection { return e.pc }

func (e *PionEngine) CreateOffer(iceRestart bool) (protocol.SDP, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := e.pc.CreateOffer(opts)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local offer: %w", err)
	}
	return protocol.SDPFromPion(offer), nil
}

func (e *PionEngine) CreateAnswer() (protocol.SDP, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local answer: %w", err)
	}
	return protocol.SDPFromPion(answer), nil
}

func (e *PionEngine) SetRemoteDescription(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(desc)
}

func (e *PionEngine) AddICECandidate(c protocol.Candidate) error {
	return e.pc.AddICECandidate(c.ToPion())
}

// AddTrack stages a local video track for the given purpose. Capture and
// encoding live outside this package; the track is the negotiation
// placeholder the caller writes samples to.
func (e *PionEngine) AddTrack(purpose protocol.TrackPurpose) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.senders[purpose]; ok {
		return fmt.Errorf("track %q already added", purpose)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		string(purpose),
		"huddle-"+string(purpose),
	)
	if err != nil {
		return fmt.Errorf("new track: %w", err)
	}
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	e.senders[purpose] = sender
	return nil
}

func (e *PionEngine) RemoveTrack(purpose protocol.TrackPurpose) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sender, ok := e.senders[purpose]
	if !ok {
		return fmt.Errorf("track %q not present", purpose)
	}
	delete(e.senders, purpose)
	return e.pc.RemoveTrack(sender)
}

func (e *PionEngine) OnLocalCandidate(cb func(protocol.Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		cb(protocol.CandidateFromPion(c.ToJSON()))
	})
}

func (e *PionEngine) OnConnectionStateChange(cb func(ConnState)) {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		// pion fires this from its internal loop; the orchestrator may call
		// back into the engine, so decouple.
		go cb(connStateFromPion(s))
	})
}

func (e *PionEngine) OnRemoteTrack(cb func(RemoteTrack)) {
	e.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		cb(RemoteTrack{StreamID: tr.StreamID(), TrackID: tr.ID()})
	})
}

func (e *PionEngine) Close() error {
	return e.pc.Close()
}

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}
