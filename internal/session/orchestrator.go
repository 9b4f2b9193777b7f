// Package session turns partially-ordered signaling traffic into a
// consistent per-peer connection lifecycle. One Orchestrator exists per
// (local, remote) pair; it owns the negotiation state machine, the
// pending-candidate queue, and the single automatic ICE restart.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/huddlewire/huddle/internal/protocol"
)

// Options carries the optional callbacks an owner can hook.
type Options struct {
	// OnStateChange fires after every transition, outside the internal lock.
	OnStateChange func(State)
	// OnUnreachable fires once when the restart budget is spent and the
	// remote peer is declared unreachable.
	OnUnreachable func(remoteID string)
	// OnRemoteTrack fires for each classified remote track.
	OnRemoteTrack func(RemoteTrack)
}

type Orchestrator struct {
	log      *slog.Logger
	localID  string
	remoteID string
	engine   Engine
	send     func(protocol.Envelope)
	opts     Options

	mu               sync.Mutex
	state            State
	pending          []protocol.Candidate
	haveRemoteDesc   bool
	restartAttempted bool
	remoteStreams    map[string]protocol.TrackPurpose
	lastOfferPurpose protocol.TrackPurpose
}

// New builds an orchestrator for the pair (localID, remoteID). send carries
// outbound signaling toward remoteID and must not block. The engine's
// callbacks are claimed here; the caller must not register its own.
func New(localID, remoteID string, engine Engine, send func(protocol.Envelope), logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		log:           logger.With("remote", remoteID),
		localID:       localID,
		remoteID:      remoteID,
		engine:        engine,
		send:          send,
		opts:          opts,
		state:         Idle,
		remoteStreams: make(map[string]protocol.TrackPurpose),
	}
	engine.OnLocalCandidate(func(c protocol.Candidate) {
		o.send(protocol.Envelope{
			Type:      protocol.KindICECandidate,
			To:        remoteID,
			Candidate: &c,
		})
	})
	engine.OnConnectionStateChange(o.handleConnState)
	engine.OnRemoteTrack(o.handleRemoteTrack)
	return o
}

func (o *Orchestrator) RemoteID() string { return o.remoteID }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StartOffer begins negotiation as the initiator. Valid only from Idle.
func (o *Orchestrator) StartOffer() error {
	o.mu.Lock()
	if o.state != Idle {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("start offer in state %s", st)
	}
	sdp, err := o.engine.CreateOffer(false)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	o.setStateLocked(OfferSent)
	o.mu.Unlock()

	o.send(protocol.Envelope{
		Type:    protocol.KindOffer,
		To:      o.remoteID,
		SDP:     &sdp,
		Purpose: protocol.TrackPurposeCamera,
	})
	o.notifyState(OfferSent)
	return nil
}

// HandleOffer applies a remote offer. From Idle this is the responder path;
// on a live session it is a renegotiation reusing the same session.
func (o *Orchestrator) HandleOffer(sdp protocol.SDP, purpose protocol.TrackPurpose) error {
	o.mu.Lock()
	switch o.state {
	case Idle, Connected:
	case OfferSent:
		// Topology guarantees one initiator per pair, so a crossed offer
		// means a misbehaving peer. Keep our own offer on the table.
		o.mu.Unlock()
		o.log.Warn("ignoring crossed offer", "state", OfferSent)
		return nil
	default:
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("offer in state %s", st)
	}

	renegotiating := o.state == Connected
	if renegotiating {
		o.setStateLocked(Renegotiating)
	}
	o.lastOfferPurpose = purpose

	if err := o.engine.SetRemoteDescription(sdp); err != nil {
		o.mu.Unlock()
		if renegotiating {
			o.notifyState(Renegotiating)
		}
		return fmt.Errorf("apply remote offer: %w", err)
	}
	o.drainPendingLocked()
	if !renegotiating {
		o.setStateLocked(OfferReceived)
	}

	answer, err := o.engine.CreateAnswer()
	if err != nil {
		o.mu.Unlock()
		o.notifyState(o.State())
		return fmt.Errorf("create answer: %w", err)
	}
	o.setStateLocked(Connected)
	o.mu.Unlock()

	o.send(protocol.Envelope{
		Type: protocol.KindAnswer,
		To:   o.remoteID,
		SDP:  &answer,
	})
	if !renegotiating {
		o.notifyState(OfferReceived)
	} else {
		o.notifyState(Renegotiating)
	}
	o.notifyState(Connected)
	return nil
}

// HandleAnswer completes negotiation the local side initiated, including
// renegotiation and ICE-restart rounds.
func (o *Orchestrator) HandleAnswer(sdp protocol.SDP) error {
	o.mu.Lock()
	if o.state != OfferSent && o.state != Renegotiating {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("answer in state %s", st)
	}
	if err := o.engine.SetRemoteDescription(sdp); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("apply remote answer: %w", err)
	}
	o.drainPendingLocked()
	o.setStateLocked(Connected)
	o.mu.Unlock()

	o.notifyState(Connected)
	return nil
}

// HandleCandidate applies a remote ICE candidate, queueing it when the
// remote description has not arrived yet. Queued candidates keep arrival
// order and each is applied exactly once.
func (o *Orchestrator) HandleCandidate(c protocol.Candidate) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.terminal() {
		return nil
	}
	if !o.haveRemoteDesc {
		o.pending = append(o.pending, c)
		return nil
	}
	if err := o.engine.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// drainPendingLocked flushes the queue the instant a remote description
// applies. FIFO, then the queue is gone.
func (o *Orchestrator) drainPendingLocked() {
	o.haveRemoteDesc = true
	for _, c := range o.pending {
		if err := o.engine.AddICECandidate(c); err != nil {
			o.log.Warn("queued candidate rejected", "err", err)
		}
	}
	o.pending = nil
}

// AddLocalTrack attaches new local media. On a live session this triggers a
// renegotiation offer; before negotiation it only stages the track.
func (o *Orchestrator) AddLocalTrack(purpose protocol.TrackPurpose) error {
	return o.changeLocalTrack(purpose, true)
}

// RemoveLocalTrack detaches local media, renegotiating when live.
func (o *Orchestrator) RemoveLocalTrack(purpose protocol.TrackPurpose) error {
	return o.changeLocalTrack(purpose, false)
}

func (o *Orchestrator) changeLocalTrack(purpose protocol.TrackPurpose, add bool) error {
	o.mu.Lock()
	if o.state.terminal() {
		o.mu.Unlock()
		return fmt.Errorf("track change in state %s", o.state)
	}

	var err error
	if add {
		err = o.engine.AddTrack(purpose)
	} else {
		err = o.engine.RemoveTrack(purpose)
	}
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("change track: %w", err)
	}

	if o.state != Connected {
		// Not negotiated yet; the initial offer will carry the track.
		o.mu.Unlock()
		return nil
	}

	o.setStateLocked(Renegotiating)
	sdp, err := o.engine.CreateOffer(false)
	if err != nil {
		o.mu.Unlock()
		o.notifyState(Renegotiating)
		return fmt.Errorf("renegotiation offer: %w", err)
	}
	o.mu.Unlock()

	o.send(protocol.Envelope{
		Type:    protocol.KindOffer,
		To:      o.remoteID,
		SDP:     &sdp,
		Purpose: purpose,
	})
	o.notifyState(Renegotiating)
	return nil
}

// Close tears the pair down. Idempotent; synchronously releases the queue
// and the engine.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.state == Closed {
		o.mu.Unlock()
		return nil
	}
	o.setStateLocked(Closed)
	o.pending = nil
	o.mu.Unlock()

	err := o.engine.Close()
	o.notifyState(Closed)
	return err
}

// handleConnState reacts to engine connectivity changes. The first terminal
// failure triggers one in-place ICE restart; a second failure declares the
// peer unreachable and tears down.
func (o *Orchestrator) handleConnState(cs ConnState) {
	switch cs {
	case ConnFailed:
	case ConnDisconnected:
		o.log.Debug("transport disconnected, waiting for recovery")
		return
	default:
		return
	}

	o.mu.Lock()
	if o.state.terminal() {
		o.mu.Unlock()
		return
	}
	if o.restartAttempted {
		o.setStateLocked(Failed)
		o.pending = nil
		o.mu.Unlock()

		o.log.Warn("peer unreachable, restart budget spent")
		_ = o.engine.Close()
		o.notifyState(Failed)
		if o.opts.OnUnreachable != nil {
			o.opts.OnUnreachable(o.remoteID)
		}
		return
	}

	o.restartAttempted = true
	o.setStateLocked(Renegotiating)
	sdp, err := o.engine.CreateOffer(true)
	o.mu.Unlock()

	o.log.Info("connection failed, attempting ice restart")
	o.notifyState(Renegotiating)
	if err != nil {
		o.log.Warn("ice restart offer failed", "err", err)
		return
	}
	o.send(protocol.Envelope{
		Type:    protocol.KindOffer,
		To:      o.remoteID,
		SDP:     &sdp,
		Purpose: protocol.TrackPurposeCamera,
	})
}

// handleRemoteTrack classifies an incoming track. An explicit purpose tag
// wins; an untagged second stream from a peer that already shows one is
// treated as a screen share.
func (o *Orchestrator) handleRemoteTrack(tr RemoteTrack) {
	o.mu.Lock()
	purpose := tr.Purpose
	if purpose == "" {
		purpose = o.lastOfferPurpose
	}
	if purpose == "" {
		if existing, ok := o.remoteStreams[tr.StreamID]; ok {
			purpose = existing
		} else if len(o.remoteStreams) == 0 {
			purpose = protocol.TrackPurposeCamera
		} else {
			purpose = protocol.TrackPurposeScreen
		}
	}
	o.remoteStreams[tr.StreamID] = purpose
	o.mu.Unlock()

	tr.Purpose = purpose
	o.log.Debug("remote track", "stream", tr.StreamID, "purpose", purpose)
	if o.opts.OnRemoteTrack != nil {
		o.opts.OnRemoteTrack(tr)
	}
}

func (o *Orchestrator) setStateLocked(next State) {
	if o.state == next {
		return
	}
	o.log.Debug("state transition", "from", o.state, "to", next)
	o.state = next
}

func (o *Orchestrator) notifyState(s State) {
	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(s)
	}
}
