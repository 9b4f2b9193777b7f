package relay

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/protocol"
)

func testConfig() Config {
	return Config{
		MaxRoomPeers:         6,
		BroadcastGracePeriod: time.Hour,
		MaxMessageBytes:      64 * 1024,
		MessagesPerSecond:    1000,
		IdleTimeout:          5 * time.Second,
		PingInterval:         1 * time.Second,
		SendQueueLength:      16,
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, log, metrics.New(), nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func join(t *testing.T, conn *websocket.Conn, roomID, peerID, username string) protocol.Envelope {
	t.Helper()
	send(t, conn, protocol.Envelope{Type: protocol.KindJoin, RoomID: roomID, PeerID: peerID, Username: username})
	env := recv(t, conn)
	if env.Type != protocol.KindRoomPeers {
		t.Fatalf("join reply type = %q, want room-peers", env.Type)
	}
	return env
}

func TestJoinSnapshotAndPeerJoined(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	reply := join(t, a, "r1", "peer-a", "alice")
	if len(reply.Peers) != 0 {
		t.Fatalf("first joiner snapshot = %+v, want empty", reply.Peers)
	}

	b := dial(t, ts)
	reply = join(t, b, "r1", "peer-b", "bob")
	if len(reply.Peers) != 1 || reply.Peers[0].PeerID != "peer-a" || reply.Peers[0].Username != "alice" {
		t.Fatalf("second joiner snapshot = %+v, want [peer-a]", reply.Peers)
	}

	notice := recv(t, a)
	if notice.Type != protocol.KindPeerJoined || notice.PeerID != "peer-b" {
		t.Fatalf("existing member got %+v, want peer-joined for peer-b", notice)
	}
}

func TestForwardStampsFrom(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "")
	b := dial(t, ts)
	join(t, b, "r1", "peer-b", "")
	recv(t, a) // peer-joined

	send(t, b, protocol.Envelope{
		Type: protocol.KindOffer,
		To:   "peer-a",
		SDP:  &protocol.SDP{Type: "offer", SDP: "v=0..."},
	})

	got := recv(t, a)
	if got.Type != protocol.KindOffer {
		t.Fatalf("got %q, want offer", got.Type)
	}
	if got.From != "peer-b" {
		t.Fatalf("from = %q, want peer-b (relay-stamped)", got.From)
	}
	if got.SDP == nil || got.SDP.SDP != "v=0..." {
		t.Fatalf("sdp not forwarded verbatim: %+v", got.SDP)
	}
}

func TestForwardToUnknownPeerDropsSilently(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "")

	send(t, a, protocol.Envelope{
		Type: protocol.KindOffer,
		To:   "nobody",
		SDP:  &protocol.SDP{Type: "offer", SDP: "x"},
	})

	// No error reply; the connection keeps working.
	send(t, a, protocol.Envelope{Type: protocol.KindChatMessage, Text: "still here"})
	got := recv(t, a)
	if got.Type != protocol.KindChat {
		t.Fatalf("got %q after silent drop, want chat echo", got.Type)
	}
	if srv.metrics.Get(metrics.DropReasonUnknownPeer) == 0 {
		t.Fatal("unknown-peer drop not counted")
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "")

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","bogus":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	send(t, a, protocol.Envelope{Type: protocol.KindChatMessage, Text: "hello"})
	got := recv(t, a)
	if got.Type != protocol.KindChat {
		t.Fatalf("got %q after malformed input, want chat", got.Type)
	}
	if srv.metrics.Get(metrics.DropReasonMalformed) != 2 {
		t.Fatalf("malformed count = %d, want 2", srv.metrics.Get(metrics.DropReasonMalformed))
	}
}

func TestChatFanOutStamped(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "alice")
	b := dial(t, ts)
	join(t, b, "r1", "peer-b", "bob")
	recv(t, a) // peer-joined

	before := time.Now().UnixMilli()
	send(t, a, protocol.Envelope{Type: protocol.KindChatMessage, Text: "hi all"})

	for name, conn := range map[string]*websocket.Conn{"sender": a, "other": b} {
		got := recv(t, conn)
		if got.Type != protocol.KindChat || got.Chat == nil {
			t.Fatalf("%s got %+v, want chat", name, got)
		}
		if got.Chat.From != "peer-a" || got.Chat.Username != "alice" || got.Chat.Text != "hi all" {
			t.Fatalf("%s chat fields = %+v", name, got.Chat)
		}
		if got.Chat.ID == "" {
			t.Fatalf("%s chat missing relay-assigned id", name)
		}
		if got.Chat.Timestamp < before {
			t.Fatalf("%s chat timestamp %d before send time %d", name, got.Chat.Timestamp, before)
		}
	}
}

func TestScreenShareAndUsernameFanOut(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "alice")
	b := dial(t, ts)
	join(t, b, "r1", "peer-b", "bob")
	recv(t, a)

	send(t, a, protocol.Envelope{Type: protocol.KindScreenShareStarted, Purpose: protocol.TrackPurposeScreen})
	got := recv(t, b)
	if got.Type != protocol.KindScreenShareStarted || got.PeerID != "peer-a" || got.Purpose != protocol.TrackPurposeScreen {
		t.Fatalf("screen-share notice = %+v", got)
	}

	send(t, a, protocol.Envelope{Type: protocol.KindUsernameUpdate, Username: "alice2"})
	got = recv(t, b)
	if got.Type != protocol.KindUsernameUpdate || got.PeerID != "peer-a" || got.Username != "alice2" {
		t.Fatalf("username notice = %+v", got)
	}

	// Late joiner sees the updated metadata in its snapshot.
	c := dial(t, ts)
	reply := join(t, c, "r1", "peer-c", "")
	var sawA bool
	for _, p := range reply.Peers {
		if p.PeerID == "peer-a" {
			sawA = true
			if p.Username != "alice2" || !p.IsScreenSharing {
				t.Fatalf("snapshot metadata stale: %+v", p)
			}
		}
	}
	if !sawA {
		t.Fatal("peer-a missing from snapshot")
	}
}

func TestDisconnectFansOutPeerLeftAndDeletesRoom(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "")
	b := dial(t, ts)
	join(t, b, "r1", "peer-b", "")
	recv(t, a)

	b.Close()
	got := recv(t, a)
	if got.Type != protocol.KindPeerLeft || got.PeerID != "peer-b" {
		t.Fatalf("got %+v, want peer-left for peer-b", got)
	}

	a.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().HasRoom("r1") {
		if time.Now().After(deadline) {
			t.Fatal("emptied mesh room not deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoomFullReturnsError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRoomPeers = 2
	_, ts := newTestServer(t, cfg)

	join(t, dial(t, ts), "r1", "peer-a", "")
	join(t, dial(t, ts), "r1", "peer-b", "")

	c := dial(t, ts)
	send(t, c, protocol.Envelope{Type: protocol.KindJoin, RoomID: "r1", PeerID: "peer-c"})
	got := recv(t, c)
	if got.Type != protocol.KindError || got.Code != "room-full" {
		t.Fatalf("got %+v, want room-full error", got)
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	caster := dial(t, ts)
	send(t, caster, protocol.Envelope{Type: protocol.KindCreateBroadcast, PeerID: "caster", Username: "carol"})
	created := recv(t, caster)
	if created.Type != protocol.KindBroadcastCreated || len(created.BroadcastID) != 6 {
		t.Fatalf("got %+v, want broadcast-created with 6-char id", created)
	}
	id := created.BroadcastID

	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.KindJoinBroadcast, BroadcastID: id, PeerID: "v1", Username: "vic"})
	info := recv(t, viewer)
	if info.Type != protocol.KindBroadcastInfo {
		t.Fatalf("got %q, want broadcast-info", info.Type)
	}
	if info.IsLive == nil || *info.IsLive {
		t.Fatalf("isLive = %v, want false before start", info.IsLive)
	}
	if info.BroadcasterUsername != "carol" {
		t.Fatalf("broadcasterUsername = %q", info.BroadcasterUsername)
	}

	got := recv(t, caster)
	if got.Type != protocol.KindViewerJoined || got.PeerID != "v1" {
		t.Fatalf("broadcaster got %+v, want viewer-joined", got)
	}
	got = recv(t, caster)
	if got.Type != protocol.KindViewerCount || got.ViewerCount == nil || *got.ViewerCount != 1 {
		t.Fatalf("broadcaster got %+v, want viewer-count 1", got)
	}
	got = recv(t, viewer)
	if got.Type != protocol.KindViewerCount {
		t.Fatalf("viewer got %+v, want viewer-count", got)
	}

	send(t, caster, protocol.Envelope{Type: protocol.KindStartBroadcast, BroadcastID: id})
	got = recv(t, viewer)
	if got.Type != protocol.KindBroadcastStarted {
		t.Fatalf("viewer got %q, want broadcast-started", got.Type)
	}

	send(t, caster, protocol.Envelope{Type: protocol.KindEndBroadcast, BroadcastID: id})
	got = recv(t, viewer)
	if got.Type != protocol.KindBroadcastEnded {
		t.Fatalf("viewer got %q, want broadcast-ended", got.Type)
	}
}

func TestBroadcasterDisconnectNotifiesViewersAndKeepsRoom(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	caster := dial(t, ts)
	send(t, caster, protocol.Envelope{Type: protocol.KindCreateBroadcast, PeerID: "caster"})
	id := recv(t, caster).BroadcastID

	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.KindJoinBroadcast, BroadcastID: id, PeerID: "v1"})
	recv(t, viewer) // broadcast-info
	recv(t, viewer) // viewer-count
	recv(t, caster) // viewer-joined
	recv(t, caster) // viewer-count

	caster.Close()
	got := recv(t, viewer)
	if got.Type != protocol.KindBroadcastEnded {
		t.Fatalf("viewer got %q, want broadcast-ended on broadcaster disconnect", got.Type)
	}

	// Grace period: the room lingers instead of vanishing.
	time.Sleep(50 * time.Millisecond)
	if !srv.Registry().HasRoom(id) {
		t.Fatal("broadcast room reaped before grace period")
	}

	// A reconnecting broadcaster gets a fresh id.
	caster2 := dial(t, ts)
	send(t, caster2, protocol.Envelope{Type: protocol.KindCreateBroadcast, PeerID: "caster"})
	created := recv(t, caster2)
	if created.Type != protocol.KindBroadcastCreated || created.BroadcastID == id {
		t.Fatalf("reconnect got %+v, want fresh broadcast id", created)
	}
}

func TestViewerLeaveNotifiesBroadcaster(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	caster := dial(t, ts)
	send(t, caster, protocol.Envelope{Type: protocol.KindCreateBroadcast, PeerID: "caster"})
	id := recv(t, caster).BroadcastID

	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.KindJoinBroadcast, BroadcastID: id, PeerID: "v1"})
	recv(t, viewer)
	recv(t, viewer)
	recv(t, caster)
	recv(t, caster)

	send(t, viewer, protocol.Envelope{Type: protocol.KindLeaveBroadcast, BroadcastID: id, PeerID: "v1"})
	got := recv(t, caster)
	if got.Type != protocol.KindViewerLeft || got.PeerID != "v1" {
		t.Fatalf("broadcaster got %+v, want viewer-left", got)
	}
	got = recv(t, caster)
	if got.Type != protocol.KindViewerCount || *got.ViewerCount != 0 {
		t.Fatalf("broadcaster got %+v, want viewer-count 0", got)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 5
	_, ts := newTestServer(t, cfg)

	a := dial(t, ts)
	join(t, a, "r1", "peer-a", "")

	var closeErr error
	for i := 0; i < 50; i++ {
		if err := a.WriteJSON(protocol.Envelope{Type: protocol.KindChatMessage, Text: "spam"}); err != nil {
			closeErr = err
			break
		}
	}
	if closeErr == nil {
		// Writes can outpace the close frame; the read side must see it.
		_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			var env protocol.Envelope
			if err := a.ReadJSON(&env); err != nil {
				closeErr = err
				break
			}
		}
	}
	if !websocket.IsCloseError(closeErr, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want policy violation", closeErr)
	}
}
