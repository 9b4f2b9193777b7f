// Package relay is the WebSocket signaling relay. It forwards session
// negotiation between peers in the same room, fans out membership and chat
// notices, and owns nothing about media: every connection is one goroutine
// doing blocking reads plus a write pump.
package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/origin"
	"github.com/huddlewire/huddle/internal/protocol"
	"github.com/huddlewire/huddle/internal/ratelimit"
	"github.com/huddlewire/huddle/internal/registry"
)

// Config carries the connection-level knobs.
type Config struct {
	MaxRoomPeers         int
	BroadcastGracePeriod time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	SendQueueLength   int

	AllowedOrigins []string
}

// Server upgrades /signal requests and runs the signaling protocol.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	upgrader websocket.Upgrader
	clock    ratelimit.Clock
}

func NewServer(cfg Config, logger *slog.Logger, m *metrics.Metrics, reg *registry.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if reg == nil {
		reg = registry.New(registry.Config{
			MaxRoomPeers:         cfg.MaxRoomPeers,
			BroadcastGracePeriod: cfg.BroadcastGracePeriod,
		}, logger, m)
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		registry: reg,
		clock:    ratelimit.RealClock{},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			norm, host, ok := origin.Normalize(r.Header.Get("Origin"))
			if !ok {
				// Non-browser clients send no Origin header.
				return r.Header.Get("Origin") == ""
			}
			return origin.IsAllowed(norm, host, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

// Registry exposes the membership tables, mainly for the HTTP readiness
// probe and tests.
func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade rejected", "err", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(s, conn, s.log.With("remote", r.RemoteAddr))
	go c.writePump()
	c.readPump()
}

func (s *Server) dispatch(c *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindJoin:
		s.handleJoin(c, env)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindICECandidate:
		s.forward(c, env)
	case protocol.KindScreenShareStarted:
		s.handleScreenShare(c, env, true)
	case protocol.KindScreenShareStopped:
		s.handleScreenShare(c, env, false)
	case protocol.KindUsernameUpdate:
		s.handleUsernameUpdate(c, env)
	case protocol.KindChatMessage:
		s.handleChat(c, env)
	case protocol.KindCreateBroadcast:
		s.handleCreateBroadcast(c, env)
	case protocol.KindStartBroadcast:
		s.handleStartBroadcast(c, env)
	case protocol.KindEndBroadcast:
		s.handleEndBroadcast(c, env)
	case protocol.KindJoinBroadcast:
		s.handleJoinBroadcast(c, env)
	case protocol.KindLeaveBroadcast:
		s.handleLeave(c)
	default:
		// Valid wire shape but not a client-to-relay kind.
		s.metrics.Inc(metrics.EventSignalDropped)
		c.log.Warn("dropping unexpected message", "type", env.Type)
	}
}

func (s *Server) handleJoin(c *client, env protocol.Envelope) {
	if c.kind != roomNone {
		c.log.Warn("join while already in a room", "room", c.roomID)
		return
	}

	peer := registry.NewPeer(env.PeerID, env.Username, c)
	existing, err := s.registry.JoinRoom(env.RoomID, peer)
	if err != nil {
		c.log.Warn("join rejected", "room", env.RoomID, "peer", env.PeerID, "err", err)
		c.Deliver(protocol.Envelope{
			Type:    protocol.KindError,
			Code:    joinErrorCode(err),
			Message: err.Error(),
		})
		return
	}
	c.peerID = env.PeerID
	c.roomID = env.RoomID
	c.kind = roomMesh
	c.log = c.log.With("peer", c.peerID, "room", c.roomID)
	c.log.Info("peer joined room")

	// The snapshot and the peer-joined notices come from the same registry
	// mutation, so joiner and room agree on who saw whom.
	snapshot := make([]protocol.PeerInfo, 0, len(existing))
	for _, p := range existing {
		snapshot = append(snapshot, p.Info())
	}
	c.Deliver(protocol.Envelope{Type: protocol.KindRoomPeers, RoomID: c.roomID, Peers: snapshot})

	joined := protocol.Envelope{
		Type:     protocol.KindPeerJoined,
		PeerID:   peer.ID,
		Username: env.Username,
	}
	for _, p := range existing {
		p.Outbox.Deliver(joined)
	}
}

func joinErrorCode(err error) string {
	switch err {
	case registry.ErrRoomFull:
		return "room-full"
	case registry.ErrDuplicatePeer, registry.ErrAlreadyJoined:
		return "peer-conflict"
	default:
		return "join-failed"
	}
}

// forward relays an addressed negotiation message verbatim, stamping from.
// Unknown rooms and peers are logged and dropped with no error reply; the
// target may simply have left between send and delivery.
func (s *Server) forward(c *client, env protocol.Envelope) {
	if c.kind == roomNone {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	target, err := s.registry.FindPeer(c.roomID, env.To)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownPeer)
		return
	}
	env.From = c.peerID
	env.To = ""
	if target.Outbox.Deliver(env) {
		s.metrics.Inc(metrics.EventSignalForwarded)
	} else {
		s.metrics.Inc(metrics.EventSignalDropped)
	}
}

func (s *Server) drop(c *client, env protocol.Envelope, reason string) {
	s.metrics.Inc(metrics.EventSignalDropped)
	s.metrics.Inc(reason)
	c.log.Debug("dropping message", "type", env.Type, "to", env.To, "reason", reason)
}

func (s *Server) handleScreenShare(c *client, env protocol.Envelope, started bool) {
	if c.kind == roomNone {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	others, err := s.registry.SetScreenSharing(c.roomID, c.peerID, started)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownPeer)
		return
	}
	notice := protocol.Envelope{
		Type:    env.Type,
		PeerID:  c.peerID,
		Purpose: env.Purpose,
	}
	for _, p := range others {
		p.Outbox.Deliver(notice)
	}
}

func (s *Server) handleUsernameUpdate(c *client, env protocol.Envelope) {
	if c.kind == roomNone {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	others, err := s.registry.SetUsername(c.roomID, c.peerID, env.Username)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownPeer)
		return
	}
	notice := protocol.Envelope{
		Type:     protocol.KindUsernameUpdate,
		PeerID:   c.peerID,
		Username: env.Username,
	}
	for _, p := range others {
		p.Outbox.Deliver(notice)
	}
}

// handleChat stamps the authoritative id/from/timestamp and fans the message
// out to every member, sender included, so all participants render the same
// copy. Best effort: a full send queue loses that copy only.
func (s *Server) handleChat(c *client, env protocol.Envelope) {
	if c.kind == roomNone {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	sender, err := s.registry.FindPeer(c.roomID, c.peerID)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownPeer)
		return
	}
	msg := protocol.Envelope{
		Type: protocol.KindChat,
		Chat: &protocol.ChatMessage{
			ID:        uuid.NewString(),
			From:      c.peerID,
			Username:  sender.Username(),
			Text:      env.Text,
			Timestamp: time.Now().UnixMilli(),
		},
	}
	members, err := s.registry.Members(c.roomID)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	for _, p := range members {
		p.Outbox.Deliver(msg)
	}
	s.metrics.Inc(metrics.EventChatFanout)
}

func (s *Server) handleCreateBroadcast(c *client, env protocol.Envelope) {
	if c.kind != roomNone {
		c.log.Warn("create-broadcast while already in a room", "room", c.roomID)
		return
	}
	peer := registry.NewPeer(env.PeerID, env.Username, c)
	id, err := s.registry.CreateBroadcast(peer)
	if err != nil {
		c.log.Warn("create-broadcast rejected", "peer", env.PeerID, "err", err)
		c.Deliver(protocol.Envelope{Type: protocol.KindError, Code: "broadcast-failed", Message: err.Error()})
		return
	}
	c.peerID = env.PeerID
	c.roomID = id
	c.kind = roomBroadcast
	c.log = c.log.With("peer", c.peerID, "broadcast", id)
	c.log.Info("broadcast created")
	c.Deliver(protocol.Envelope{Type: protocol.KindBroadcastCreated, BroadcastID: id})
}

func (s *Server) handleStartBroadcast(c *client, env protocol.Envelope) {
	if c.kind != roomBroadcast || env.BroadcastID != c.roomID {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	viewers, err := s.registry.MarkLive(c.roomID)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	c.log.Info("broadcast live", "viewers", len(viewers))
	notice := protocol.Envelope{Type: protocol.KindBroadcastStarted, BroadcastID: c.roomID}
	for _, v := range viewers {
		v.Outbox.Deliver(notice)
	}
}

func (s *Server) handleEndBroadcast(c *client, env protocol.Envelope) {
	if c.kind != roomBroadcast || env.BroadcastID != c.roomID {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	viewers, err := s.registry.EndLive(c.roomID)
	if err != nil {
		s.drop(c, env, metrics.DropReasonUnknownRoom)
		return
	}
	c.log.Info("broadcast ended", "viewers", len(viewers))
	notice := protocol.Envelope{Type: protocol.KindBroadcastEnded, BroadcastID: c.roomID}
	for _, v := range viewers {
		v.Outbox.Deliver(notice)
	}
}

func (s *Server) handleJoinBroadcast(c *client, env protocol.Envelope) {
	if c.kind != roomNone {
		c.log.Warn("join-broadcast while already in a room", "room", c.roomID)
		return
	}
	peer := registry.NewPeer(env.PeerID, env.Username, c)
	info, err := s.registry.JoinBroadcast(env.BroadcastID, peer)
	if err != nil {
		c.log.Warn("join-broadcast rejected", "broadcast", env.BroadcastID, "err", err)
		c.Deliver(protocol.Envelope{Type: protocol.KindError, Code: "broadcast-not-found", Message: err.Error()})
		return
	}
	c.peerID = env.PeerID
	c.roomID = env.BroadcastID
	c.kind = roomBroadcast
	c.log = c.log.With("peer", c.peerID, "broadcast", c.roomID)
	c.log.Info("viewer joined broadcast", "live", info.IsLive)

	isLive := info.IsLive
	count := info.ViewerCount
	c.Deliver(protocol.Envelope{
		Type:                protocol.KindBroadcastInfo,
		BroadcastID:         c.roomID,
		IsLive:              &isLive,
		BroadcasterUsername: info.BroadcasterUsername,
		ViewerCount:         &count,
	})

	if info.Broadcaster != nil {
		info.Broadcaster.Outbox.Deliver(protocol.Envelope{
			Type:     protocol.KindViewerJoined,
			PeerID:   peer.ID,
			Username: env.Username,
		})
	}
	s.fanOutViewerCount(c.roomID, count)
}

// fanOutViewerCount tells every remaining member the current audience size.
func (s *Server) fanOutViewerCount(broadcastID string, count int) {
	members, err := s.registry.Members(broadcastID)
	if err != nil {
		return
	}
	notice := protocol.Envelope{Type: protocol.KindViewerCount, BroadcastID: broadcastID, ViewerCount: &count}
	for _, p := range members {
		p.Outbox.Deliver(notice)
	}
}

// handleLeave runs for explicit leave-broadcast messages. Mesh rooms have no
// explicit leave; closing the socket is the leave.
func (s *Server) handleLeave(c *client) {
	s.removeFromRoom(c)
}

// handleDisconnect is the read pump's cleanup. Removal is idempotent, so an
// explicit leave followed by the transport close decrements exactly once.
func (s *Server) handleDisconnect(c *client) {
	s.removeFromRoom(c)
}

func (s *Server) removeFromRoom(c *client) {
	if c.kind == roomNone {
		return
	}
	res := s.registry.RemoveMember(c.roomID, c.peerID)
	roomID := c.roomID
	peerID := c.peerID
	c.kind = roomNone
	c.roomID = ""
	if !res.Removed {
		return
	}
	c.log.Info("peer left")

	switch res.Kind {
	case registry.KindMesh:
		notice := protocol.Envelope{Type: protocol.KindPeerLeft, PeerID: peerID}
		for _, p := range res.Remaining {
			p.Outbox.Deliver(notice)
		}
	case registry.KindBroadcast:
		if res.WasBroadcaster {
			notice := protocol.Envelope{Type: protocol.KindBroadcastEnded, BroadcastID: roomID}
			for _, p := range res.Remaining {
				p.Outbox.Deliver(notice)
			}
			return
		}
		if bid, err := s.registry.BroadcasterID(roomID); err == nil {
			if bc, err := s.registry.FindPeer(roomID, bid); err == nil {
				bc.Outbox.Deliver(protocol.Envelope{Type: protocol.KindViewerLeft, PeerID: peerID})
			}
		}
		s.fanOutViewerCount(roomID, res.ViewerCount)
	}
}
