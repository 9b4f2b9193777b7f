// Package client is the participant side of the signaling protocol. It
// dials the relay, owns one orchestrator per remote peer, applies the
// topology policy to decide who offers, and carries chat either
// point-to-point over negotiated data channels or through the relay.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/huddlewire/huddle/internal/protocol"
	"github.com/huddlewire/huddle/internal/session"
	"github.com/huddlewire/huddle/internal/topology"
)

// EngineFactory builds the negotiation engine for one remote peer.
type EngineFactory func(remoteID string) (session.Engine, error)

// chatTransport is the optional point-to-point chat surface an engine may
// offer. PionEngine implements it; fakes usually do not.
type chatTransport interface {
	OpenChatChannel() error
	OnChatMessage(func([]byte))
	SendChatMessage([]byte) error
	ChatChannelOpen() bool
}

// Handlers are the application callbacks. All optional; they run on the
// client's read loop and must not block.
type Handlers struct {
	OnChat         func(protocol.ChatMessage)
	OnPeerJoined   func(protocol.PeerInfo)
	OnPeerLeft     func(peerID string)
	OnSessionState func(remoteID string, s session.State)
	OnRemoteTrack  func(remoteID string, tr session.RemoteTrack)
	OnScreenShare  func(peerID string, started bool)
	OnUsername     func(peerID, username string)

	OnBroadcastStarted func()
	OnBroadcastEnded   func()
	OnViewerCount      func(int)

	OnError func(code, message string)
}

type Config struct {
	// URL is the relay's signal endpoint, ws:// or wss://.
	URL string
	// PeerID defaults to a fresh uuid.
	PeerID   string
	Username string

	NewEngine EngineFactory
	Handlers  Handlers
	Logger    *slog.Logger

	// ReplyTimeout bounds waiting for join/create replies. Defaults to 10s.
	ReplyTimeout time.Duration
}

type Client struct {
	cfg Config
	log *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	shape   topology.Shape
	role    topology.Role
	orchs   map[string]*session.Orchestrator
	engines map[string]session.Engine
	sharing bool
	closed  bool

	replies chan protocol.Envelope
	done    chan struct{}
}

// Dial connects to the relay. The returned client is not yet in any room.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: missing relay url")
	}
	if cfg.NewEngine == nil {
		return nil, fmt.Errorf("client: missing engine factory")
	}
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With("peer", cfg.PeerID),
		conn:    conn,
		role:    topology.Participant,
		orchs:   make(map[string]*session.Orchestrator),
		engines: make(map[string]session.Engine),
		replies: make(chan protocol.Envelope, 4),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) PeerID() string { return c.cfg.PeerID }

// JoinRoom enters a mesh room and, as the later joiner, initiates toward
// every peer already present. It returns the membership snapshot.
func (c *Client) JoinRoom(ctx context.Context, roomID string) ([]protocol.PeerInfo, error) {
	c.mu.Lock()
	c.shape = topology.Mesh
	c.role = topology.Participant
	c.mu.Unlock()

	err := c.send(protocol.Envelope{
		Type:     protocol.KindJoin,
		RoomID:   roomID,
		PeerID:   c.cfg.PeerID,
		Username: c.cfg.Username,
	})
	if err != nil {
		return nil, err
	}

	reply, err := c.awaitReply(ctx, protocol.KindRoomPeers)
	if err != nil {
		return nil, err
	}

	for _, id := range topology.OfferTargets(topology.Mesh, topology.Participant, reply.Peers) {
		if err := c.initiate(id); err != nil {
			c.log.Warn("initiation failed", "remote", id, "err", err)
		}
	}
	return reply.Peers, nil
}

// CreateBroadcast registers this client as a star-topology broadcaster and
// returns the join code viewers use.
func (c *Client) CreateBroadcast(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.shape = topology.Star
	c.role = topology.Broadcaster
	c.mu.Unlock()

	err := c.send(protocol.Envelope{
		Type:     protocol.KindCreateBroadcast,
		PeerID:   c.cfg.PeerID,
		Username: c.cfg.Username,
	})
	if err != nil {
		return "", err
	}
	reply, err := c.awaitReply(ctx, protocol.KindBroadcastCreated)
	if err != nil {
		return "", err
	}
	return reply.BroadcastID, nil
}

// BroadcastStatus is what a viewer learns on joining.
type BroadcastStatus struct {
	IsLive              bool
	BroadcasterUsername string
	ViewerCount         int
}

// JoinBroadcast enters a broadcast as a viewer. Viewers never initiate; the
// broadcaster's offer arrives through the read loop.
func (c *Client) JoinBroadcast(ctx context.Context, broadcastID string) (BroadcastStatus, error) {
	c.mu.Lock()
	c.shape = topology.Star
	c.role = topology.Viewer
	c.mu.Unlock()

	err := c.send(protocol.Envelope{
		Type:        protocol.KindJoinBroadcast,
		BroadcastID: broadcastID,
		PeerID:      c.cfg.PeerID,
		Username:    c.cfg.Username,
	})
	if err != nil {
		return BroadcastStatus{}, err
	}
	reply, err := c.awaitReply(ctx, protocol.KindBroadcastInfo)
	if err != nil {
		return BroadcastStatus{}, err
	}
	st := BroadcastStatus{BroadcasterUsername: reply.BroadcasterUsername}
	if reply.IsLive != nil {
		st.IsLive = *reply.IsLive
	}
	if reply.ViewerCount != nil {
		st.ViewerCount = *reply.ViewerCount
	}
	return st, nil
}

// StartBroadcast flips the broadcast live.
func (c *Client) StartBroadcast(broadcastID string) error {
	return c.send(protocol.Envelope{Type: protocol.KindStartBroadcast, BroadcastID: broadcastID})
}

// EndBroadcast ends the live phase without leaving the room.
func (c *Client) EndBroadcast(broadcastID string) error {
	return c.send(protocol.Envelope{Type: protocol.KindEndBroadcast, BroadcastID: broadcastID})
}

// SendChat delivers text to the whole room. When every connected peer has an
// open chat data channel the message travels point-to-point; otherwise one
// relay fan-out reaches everyone. A message takes exactly one path, so no
// receiver sees it twice.
func (c *Client) SendChat(text string) error {
	c.mu.Lock()
	transports := make([]chatTransport, 0, len(c.engines))
	allOpen := len(c.engines) > 0
	for _, eng := range c.engines {
		ct, ok := eng.(chatTransport)
		if !ok || !ct.ChatChannelOpen() {
			allOpen = false
			break
		}
		transports = append(transports, ct)
	}
	c.mu.Unlock()

	if !allOpen {
		return c.send(protocol.Envelope{Type: protocol.KindChatMessage, Text: text})
	}

	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		From:      c.cfg.PeerID,
		Username:  c.cfg.Username,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: encode chat: %w", err)
	}
	for _, ct := range transports {
		if err := ct.SendChatMessage(data); err != nil {
			// One stale channel must not lose the message for the room.
			return c.send(protocol.Envelope{Type: protocol.KindChatMessage, Text: text})
		}
	}
	return nil
}

// StartScreenShare adds the screen track to every live session and tells
// the room.
func (c *Client) StartScreenShare() error {
	return c.setScreenShare(true)
}

// StopScreenShare removes the screen track, keeping the camera untouched.
func (c *Client) StopScreenShare() error {
	return c.setScreenShare(false)
}

func (c *Client) setScreenShare(start bool) error {
	c.mu.Lock()
	if c.sharing == start {
		c.mu.Unlock()
		return nil
	}
	c.sharing = start
	orchs := make([]*session.Orchestrator, 0, len(c.orchs))
	for _, o := range c.orchs {
		orchs = append(orchs, o)
	}
	c.mu.Unlock()

	for _, o := range orchs {
		var err error
		if start {
			err = o.AddLocalTrack(protocol.TrackPurposeScreen)
		} else {
			err = o.RemoveLocalTrack(protocol.TrackPurposeScreen)
		}
		if err != nil {
			c.log.Warn("screen track change failed", "remote", o.RemoteID(), "err", err)
		}
	}

	kind := protocol.KindScreenShareStarted
	if !start {
		kind = protocol.KindScreenShareStopped
	}
	return c.send(protocol.Envelope{Type: kind, Purpose: protocol.TrackPurposeScreen})
}

// SetUsername updates the display name room-wide.
func (c *Client) SetUsername(username string) error {
	c.mu.Lock()
	c.cfg.Username = username
	c.mu.Unlock()
	return c.send(protocol.Envelope{Type: protocol.KindUsernameUpdate, Username: username})
}

// Orchestrator returns the session for remoteID, if one exists.
func (c *Client) Orchestrator(remoteID string) (*session.Orchestrator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orchs[remoteID]
	return o, ok
}

// Close tears down every session and the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	orchs := c.orchs
	c.orchs = make(map[string]*session.Orchestrator)
	c.engines = make(map[string]session.Engine)
	c.mu.Unlock()

	for _, o := range orchs {
		_ = o.Close()
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("client: send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) awaitReply(ctx context.Context, want protocol.Kind) (protocol.Envelope, error) {
	timer := time.NewTimer(c.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case env := <-c.replies:
			if env.Type == protocol.KindError {
				return protocol.Envelope{}, fmt.Errorf("client: relay error %s: %s", env.Code, env.Message)
			}
			if env.Type == want {
				return env, nil
			}
			// Stale reply from an earlier request; keep waiting.
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		case <-timer.C:
			return protocol.Envelope{}, fmt.Errorf("client: timed out waiting for %s", want)
		case <-c.done:
			return protocol.Envelope{}, fmt.Errorf("client: connection closed")
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.log.Debug("read loop finished", "err", err)
			return
		}
		c.handle(env)
	}
}

func (c *Client) handle(env protocol.Envelope) {
	h := c.cfg.Handlers
	switch env.Type {
	case protocol.KindRoomPeers, protocol.KindBroadcastCreated, protocol.KindBroadcastInfo, protocol.KindError:
		select {
		case c.replies <- env:
		default:
			c.log.Warn("dropping unclaimed reply", "type", env.Type)
		}
		if env.Type == protocol.KindError && h.OnError != nil {
			h.OnError(env.Code, env.Message)
		}

	case protocol.KindPeerJoined:
		// Mesh: the existing member waits for the newcomer's offer.
		if h.OnPeerJoined != nil {
			h.OnPeerJoined(protocol.PeerInfo{PeerID: env.PeerID, Username: env.Username})
		}

	case protocol.KindViewerJoined:
		c.mu.Lock()
		initiate := topology.InitiateTowardNewPeer(c.shape, c.role)
		c.mu.Unlock()
		if initiate {
			if err := c.initiate(env.PeerID); err != nil {
				c.log.Warn("offer to viewer failed", "viewer", env.PeerID, "err", err)
			}
		}
		if h.OnPeerJoined != nil {
			h.OnPeerJoined(protocol.PeerInfo{PeerID: env.PeerID, Username: env.Username})
		}

	case protocol.KindOffer:
		if env.SDP == nil {
			return
		}
		o, err := c.ensureOrchestrator(env.From, false)
		if err != nil {
			c.log.Warn("responder setup failed", "remote", env.From, "err", err)
			return
		}
		if err := o.HandleOffer(*env.SDP, env.Purpose); err != nil {
			c.log.Warn("offer rejected", "remote", env.From, "err", err)
		}

	case protocol.KindAnswer:
		if env.SDP == nil {
			return
		}
		c.mu.Lock()
		o, ok := c.orchs[env.From]
		c.mu.Unlock()
		if !ok {
			c.log.Warn("answer for unknown session", "remote", env.From)
			return
		}
		if err := o.HandleAnswer(*env.SDP); err != nil {
			c.log.Warn("answer rejected", "remote", env.From, "err", err)
		}

	case protocol.KindICECandidate:
		if env.Candidate == nil {
			return
		}
		// Candidates can outrun the offer; the orchestrator queues them.
		o, err := c.ensureOrchestrator(env.From, false)
		if err != nil {
			c.log.Warn("candidate for unknown session", "remote", env.From, "err", err)
			return
		}
		if err := o.HandleCandidate(*env.Candidate); err != nil {
			c.log.Warn("candidate rejected", "remote", env.From, "err", err)
		}

	case protocol.KindPeerLeft, protocol.KindViewerLeft:
		c.dropPeer(env.PeerID)
		if h.OnPeerLeft != nil {
			h.OnPeerLeft(env.PeerID)
		}

	case protocol.KindChat:
		if env.Chat != nil && h.OnChat != nil {
			h.OnChat(*env.Chat)
		}

	case protocol.KindScreenShareStarted:
		if h.OnScreenShare != nil {
			h.OnScreenShare(env.PeerID, true)
		}
	case protocol.KindScreenShareStopped:
		if h.OnScreenShare != nil {
			h.OnScreenShare(env.PeerID, false)
		}
	case protocol.KindUsernameUpdate:
		if h.OnUsername != nil {
			h.OnUsername(env.PeerID, env.Username)
		}

	case protocol.KindBroadcastStarted:
		if h.OnBroadcastStarted != nil {
			h.OnBroadcastStarted()
		}
	case protocol.KindBroadcastEnded:
		// The star's hub is gone; every session dies with it.
		c.closeAllSessions()
		if h.OnBroadcastEnded != nil {
			h.OnBroadcastEnded()
		}
	case protocol.KindViewerCount:
		if env.ViewerCount != nil && h.OnViewerCount != nil {
			h.OnViewerCount(*env.ViewerCount)
		}

	default:
		c.log.Warn("unhandled message", "type", env.Type)
	}
}

// initiate creates (or reuses) the orchestrator for remoteID and sends the
// opening offer.
func (c *Client) initiate(remoteID string) error {
	o, err := c.ensureOrchestrator(remoteID, true)
	if err != nil {
		return err
	}
	if o.State() != session.Idle {
		return nil // already negotiating
	}
	return o.StartOffer()
}

// ensureOrchestrator returns the session for remoteID, creating it on first
// use. Creation is idempotent: concurrent callers get the same instance.
func (c *Client) ensureOrchestrator(remoteID string, initiator bool) (*session.Orchestrator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orchs[remoteID]; ok {
		return o, nil
	}
	if c.closed {
		return nil, fmt.Errorf("client closed")
	}

	eng, err := c.cfg.NewEngine(remoteID)
	if err != nil {
		return nil, fmt.Errorf("engine for %s: %w", remoteID, err)
	}

	if ct, ok := eng.(chatTransport); ok {
		ct.OnChatMessage(func(data []byte) {
			var msg protocol.ChatMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Warn("malformed p2p chat", "remote", remoteID, "err", err)
				return
			}
			if c.cfg.Handlers.OnChat != nil {
				c.cfg.Handlers.OnChat(msg)
			}
		})
		if initiator {
			if err := ct.OpenChatChannel(); err != nil {
				c.log.Warn("chat channel setup failed", "remote", remoteID, "err", err)
			}
		}
	}

	h := c.cfg.Handlers
	o := session.New(c.cfg.PeerID, remoteID, eng, c.sendAsync, c.log, session.Options{
		OnStateChange: func(s session.State) {
			if h.OnSessionState != nil {
				h.OnSessionState(remoteID, s)
			}
		},
		OnUnreachable: func(id string) {
			c.log.Warn("peer unreachable", "remote", id)
			c.dropPeer(id)
			if h.OnPeerLeft != nil {
				h.OnPeerLeft(id)
			}
		},
		OnRemoteTrack: func(tr session.RemoteTrack) {
			if h.OnRemoteTrack != nil {
				h.OnRemoteTrack(remoteID, tr)
			}
		},
	})
	c.orchs[remoteID] = o
	c.engines[remoteID] = eng
	return o, nil
}

// sendAsync is the orchestrators' emission sink. Write errors only log; the
// read loop notices a dead connection first.
func (c *Client) sendAsync(env protocol.Envelope) {
	if err := c.send(env); err != nil {
		c.log.Warn("emission dropped", "type", env.Type, "err", err)
	}
}

func (c *Client) dropPeer(remoteID string) {
	c.mu.Lock()
	o, ok := c.orchs[remoteID]
	delete(c.orchs, remoteID)
	delete(c.engines, remoteID)
	c.mu.Unlock()
	if ok {
		_ = o.Close()
	}
}

func (c *Client) closeAllSessions() {
	c.mu.Lock()
	orchs := c.orchs
	c.orchs = make(map[string]*session.Orchestrator)
	c.engines = make(map[string]session.Engine)
	c.mu.Unlock()
	for _, o := range orchs {
		_ = o.Close()
	}
}
