// Package registry is the process-wide table of rooms/broadcasts and their
// member peers. Pure bookkeeping: it never touches the network, and every
// mutation is atomic with respect to concurrent joins/leaves on the same room.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/protocol"
)

var (
	ErrRoomNotFound  = errors.New("registry: room not found")
	ErrPeerNotFound  = errors.New("registry: peer not found")
	ErrRoomFull      = errors.New("registry: room is full")
	ErrDuplicatePeer = errors.New("registry: peer id already present in room")
	ErrAlreadyJoined = errors.New("registry: peer already belongs to a room")
)

// Outbox is the transport handle a Peer carries. Deliver must never block;
// it reports false when the message was dropped (closed or saturated
// connection).
type Outbox interface {
	Deliver(env protocol.Envelope) bool
}

// Peer is one member of a room or broadcast. ID and Outbox are immutable;
// the display metadata has its own lock because snapshot reads and metadata
// updates race across rooms' fan-out paths.
type Peer struct {
	ID     string
	Outbox Outbox

	mu            sync.Mutex
	username      string
	screenSharing bool
}

func NewPeer(id, username string, outbox Outbox) *Peer {
	return &Peer{ID: id, username: username, Outbox: outbox}
}

func (p *Peer) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

func (p *Peer) Info() protocol.PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.PeerInfo{
		PeerID:          p.ID,
		Username:        p.username,
		IsScreenSharing: p.screenSharing,
	}
}

func (p *Peer) setUsername(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.username = username
}

func (p *Peer) setScreenSharing(sharing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenSharing = sharing
}

type RoomKind int

const (
	KindMesh RoomKind = iota
	KindBroadcast
)

type room struct {
	id   string
	kind RoomKind

	mu      sync.Mutex
	members []*Peer // join order decides initiator pairs
	index   map[string]*Peer

	// Broadcast-only state.
	live                bool
	broadcasterID       string
	broadcasterUsername string
	reapTimer           *time.Timer
}

// Config carries the registry's runtime knobs.
type Config struct {
	// MaxRoomPeers caps mesh room membership. <= 0 means unlimited.
	MaxRoomPeers int

	// BroadcastGracePeriod is how long an ended broadcast lingers before the
	// room is reaped, tolerating a transient broadcaster disconnect.
	BroadcastGracePeriod time.Duration
}

type Registry struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	rooms    map[string]*room
	peerRoom map[string]string // peer id -> room id, at most one room per peer
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		rooms:    make(map[string]*room),
		peerRoom: make(map[string]string),
	}
}

// JoinRoom registers peer in the mesh room roomID, creating the room on first
// join. It returns the ordered-by-join snapshot of the members that were
// present before this mutation; callers use the same snapshot both for the
// room-peers reply and for the peer-joined fan-out, which is what makes the
// two views consistent.
func (r *Registry) JoinRoom(roomID string, peer *Peer) ([]*Peer, error) {
	r.mu.Lock()
	if _, ok := r.peerRoom[peer.ID]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:    roomID,
			kind:  KindMesh,
			index: make(map[string]*Peer),
		}
		r.rooms[roomID] = rm
		r.metrics.Inc(metrics.EventRoomCreated)
		r.log.Debug("room created", "room", roomID)
	}
	rm.mu.Lock()
	if _, dup := rm.index[peer.ID]; dup {
		rm.mu.Unlock()
		r.mu.Unlock()
		return nil, ErrDuplicatePeer
	}
	if rm.kind == KindMesh && r.cfg.MaxRoomPeers > 0 && len(rm.members) >= r.cfg.MaxRoomPeers {
		rm.mu.Unlock()
		r.mu.Unlock()
		return nil, ErrRoomFull
	}
	r.peerRoom[peer.ID] = roomID
	r.mu.Unlock()

	existing := append([]*Peer(nil), rm.members...)
	rm.members = append(rm.members, peer)
	rm.index[peer.ID] = peer
	rm.mu.Unlock()

	r.metrics.Inc(metrics.EventPeerJoined)
	return existing, nil
}

// LeaveResult describes what a removal changed, so the relay can fan out the
// right notices without holding any registry lock.
type LeaveResult struct {
	Removed        bool
	Kind           RoomKind
	Remaining      []*Peer
	RoomDeleted    bool
	WasBroadcaster bool
	ViewerCount    int
}

// RemoveMember removes peerID from roomID. Removing an absent peer is a
// no-op (explicit leave followed by transport close must decrement exactly
// once). Emptying a mesh room deletes it immediately; a broadcast room is
// reaped only after the grace period, and a broadcaster departure starts the
// grace timer even while viewers remain.
func (r *Registry) RemoveMember(roomID, peerID string) LeaveResult {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}
	}
	rm.mu.Lock()
	if _, present := rm.index[peerID]; !present {
		rm.mu.Unlock()
		r.mu.Unlock()
		return LeaveResult{Kind: rm.kind}
	}
	delete(r.peerRoom, peerID)
	r.mu.Unlock()

	delete(rm.index, peerID)
	for i, p := range rm.members {
		if p.ID == peerID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}

	res := LeaveResult{
		Removed:   true,
		Kind:      rm.kind,
		Remaining: append([]*Peer(nil), rm.members...),
	}

	switch rm.kind {
	case KindMesh:
		if len(rm.members) == 0 {
			rm.mu.Unlock()
			res.RoomDeleted = r.deleteRoomIfEmpty(roomID, rm)
			r.metrics.Inc(metrics.EventPeerLeft)
			return res
		}
	case KindBroadcast:
		res.WasBroadcaster = peerID == rm.broadcasterID
		res.ViewerCount = rm.viewerCountLocked()
		if res.WasBroadcaster {
			rm.live = false
			r.scheduleReapLocked(rm)
		} else if len(rm.members) == 0 {
			r.scheduleReapLocked(rm)
		}
	}
	rm.mu.Unlock()
	r.metrics.Inc(metrics.EventPeerLeft)
	return res
}

// CreateBroadcast allocates a fresh broadcast room with broadcaster as its
// first member. A broadcaster reconnecting after a disconnect always gets a
// new id; ended rooms are never resurrected.
func (r *Registry) CreateBroadcast(broadcaster *Peer) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peerRoom[broadcaster.ID]; ok {
		return "", ErrAlreadyJoined
	}

	var id string
	for attempt := 0; ; attempt++ {
		if attempt >= 5 {
			return "", errors.New("registry: failed to allocate unique broadcast id")
		}
		var err error
		if id, err = newBroadcastID(); err != nil {
			return "", err
		}
		if _, taken := r.rooms[id]; !taken {
			break
		}
	}

	rm := &room{
		id:                  id,
		kind:                KindBroadcast,
		index:               map[string]*Peer{broadcaster.ID: broadcaster},
		members:             []*Peer{broadcaster},
		broadcasterID:       broadcaster.ID,
		broadcasterUsername: broadcaster.Username(),
	}
	r.rooms[id] = rm
	r.peerRoom[broadcaster.ID] = id
	r.metrics.Inc(metrics.EventBroadcastCreated)
	r.log.Debug("broadcast created", "broadcast", id, "broadcaster", broadcaster.ID)
	return id, nil
}

// BroadcastInfo is the reply shape for join-broadcast.
type BroadcastInfo struct {
	IsLive              bool
	BroadcasterUsername string
	Broadcaster         *Peer // nil while the broadcaster is disconnected
	ViewerCount         int
}

// JoinBroadcast registers a viewer.
func (r *Registry) JoinBroadcast(broadcastID string, viewer *Peer) (BroadcastInfo, error) {
	r.mu.Lock()
	if _, ok := r.peerRoom[viewer.ID]; ok {
		r.mu.Unlock()
		return BroadcastInfo{}, ErrAlreadyJoined
	}
	rm, ok := r.rooms[broadcastID]
	if !ok || rm.kind != KindBroadcast {
		r.mu.Unlock()
		return BroadcastInfo{}, ErrRoomNotFound
	}
	rm.mu.Lock()
	if _, dup := rm.index[viewer.ID]; dup {
		rm.mu.Unlock()
		r.mu.Unlock()
		return BroadcastInfo{}, ErrDuplicatePeer
	}
	r.peerRoom[viewer.ID] = broadcastID
	r.mu.Unlock()

	rm.members = append(rm.members, viewer)
	rm.index[viewer.ID] = viewer
	info := BroadcastInfo{
		IsLive:              rm.live,
		BroadcasterUsername: rm.broadcasterUsername,
		Broadcaster:         rm.index[rm.broadcasterID],
		ViewerCount:         rm.viewerCountLocked(),
	}
	rm.mu.Unlock()

	r.metrics.Inc(metrics.EventPeerJoined)
	return info, nil
}

// MarkLive flips the broadcast live and returns the viewers that should be
// notified, in join order.
func (r *Registry) MarkLive(broadcastID string) ([]*Peer, error) {
	rm, err := r.broadcastRoom(broadcastID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.live = true
	r.metrics.Inc(metrics.EventBroadcastLive)
	return rm.viewersLocked(), nil
}

// EndLive clears the live flag and returns the viewers to notify.
func (r *Registry) EndLive(broadcastID string) ([]*Peer, error) {
	rm, err := r.broadcastRoom(broadcastID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.live = false
	r.metrics.Inc(metrics.EventBroadcastEnded)
	return rm.viewersLocked(), nil
}

// FindPeer resolves peerID inside roomID.
func (r *Registry) FindPeer(roomID, peerID string) (*Peer, error) {
	rm, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.index[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p, nil
}

// Members returns every member of roomID in join order.
func (r *Registry) Members(roomID string) ([]*Peer, error) {
	rm, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]*Peer(nil), rm.members...), nil
}

// BroadcasterID returns the owning peer id of a broadcast room.
func (r *Registry) BroadcasterID(broadcastID string) (string, error) {
	rm, err := r.broadcastRoom(broadcastID)
	if err != nil {
		return "", err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.broadcasterID, nil
}

// Others returns every member of roomID except peerID, in join order.
func (r *Registry) Others(roomID, peerID string) ([]*Peer, error) {
	rm, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Peer, 0, len(rm.members))
	for _, p := range rm.members {
		if p.ID != peerID {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetUsername updates a peer's display name and returns the other members to
// notify.
func (r *Registry) SetUsername(roomID, peerID, username string) ([]*Peer, error) {
	rm, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.index[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	p.setUsername(username)
	if rm.kind == KindBroadcast && peerID == rm.broadcasterID {
		rm.broadcasterUsername = username
	}
	return rm.othersLocked(peerID), nil
}

// SetScreenSharing updates a peer's screen-share flag and returns the other
// members to notify.
func (r *Registry) SetScreenSharing(roomID, peerID string, sharing bool) ([]*Peer, error) {
	rm, err := r.room(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.index[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	p.setScreenSharing(sharing)
	return rm.othersLocked(peerID), nil
}

// HasRoom reports whether roomID currently exists.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomKindOf returns the kind of an existing room.
func (r *Registry) RoomKindOf(roomID string) (RoomKind, error) {
	rm, err := r.room(roomID)
	if err != nil {
		return 0, err
	}
	return rm.kind, nil
}

func (r *Registry) room(roomID string) (*room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

func (r *Registry) broadcastRoom(broadcastID string) (*room, error) {
	rm, err := r.room(broadcastID)
	if err != nil {
		return nil, err
	}
	if rm.kind != KindBroadcast {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// deleteRoomIfEmpty removes roomID unless a concurrent join repopulated it
// between the member removal and this call.
func (r *Registry) deleteRoomIfEmpty(roomID string, rm *room) bool {
	r.mu.Lock()
	cur, ok := r.rooms[roomID]
	if !ok || cur != rm {
		r.mu.Unlock()
		return false
	}
	rm.mu.Lock()
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if empty {
		r.metrics.Inc(metrics.EventRoomDeleted)
		r.log.Debug("room deleted", "room", roomID)
	}
	return empty
}

// scheduleReapLocked arms the grace timer. Called with rm.mu held. The timer
// is never cancelled: once a broadcast has been abandoned by its broadcaster
// the room is reaped at expiry, and a reconnecting broadcaster gets a fresh
// id via CreateBroadcast.
func (r *Registry) scheduleReapLocked(rm *room) {
	if rm.reapTimer != nil {
		return
	}
	grace := r.cfg.BroadcastGracePeriod
	rm.reapTimer = time.AfterFunc(grace, func() {
		r.mu.Lock()
		cur, ok := r.rooms[rm.id]
		if !ok || cur != rm {
			r.mu.Unlock()
			return
		}
		delete(r.rooms, rm.id)
		rm.mu.Lock()
		for _, p := range rm.members {
			delete(r.peerRoom, p.ID)
		}
		rm.members = nil
		rm.index = map[string]*Peer{}
		rm.mu.Unlock()
		r.mu.Unlock()
		r.metrics.Inc(metrics.EventBroadcastReaped)
		r.log.Debug("broadcast reaped after grace period", "broadcast", rm.id, "grace", grace)
	})
}

func (rm *room) viewersLocked() []*Peer {
	out := make([]*Peer, 0, len(rm.members))
	for _, p := range rm.members {
		if p.ID != rm.broadcasterID {
			out = append(out, p)
		}
	}
	return out
}

func (rm *room) othersLocked(peerID string) []*Peer {
	out := make([]*Peer, 0, len(rm.members))
	for _, p := range rm.members {
		if p.ID != peerID {
			out = append(out, p)
		}
	}
	return out
}

func (rm *room) viewerCountLocked() int {
	n := len(rm.members)
	if _, ok := rm.index[rm.broadcasterID]; ok {
		n--
	}
	return n
}

const broadcastIDCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newBroadcastID returns a 6-character join code, e.g. "ABC123". The charset
// omits easily-confused characters.
func newBroadcastID() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("registry: generate broadcast id: %w", err)
	}
	for i := range buf {
		buf[i] = broadcastIDCharset[int(buf[i])%len(broadcastIDCharset)]
	}
	return string(buf[:]), nil
}
