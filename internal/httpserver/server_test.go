package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/huddlewire/huddle/internal/config"
	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/protocol"
	"github.com/huddlewire/huddle/internal/relay"
)

func testCfg() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,

		MaxRoomPeers:         6,
		BroadcastGracePeriod: time.Hour,

		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
		SignalingWSIdleTimeout:        5 * time.Second,
		SignalingWSPingInterval:       1 * time.Second,
		SendQueueLength:               16,
	}
}

func startServer(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, log, metrics.New(), BuildInfo{Commit: "abc", BuildTime: "now"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rel := relay.NewServer(relay.Config{
		MaxRoomPeers:         cfg.MaxRoomPeers,
		BroadcastGracePeriod: cfg.BroadcastGracePeriod,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MessagesPerSecond:    cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		SendQueueLength:      cfg.SendQueueLength,
		AllowedOrigins:       cfg.AllowedOrigins,
	}, log, metrics.New(), nil)
	srv.Mux().Handle("GET /signal", rel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})
	return srv, "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestProbeEndpoints(t *testing.T) {
	_, base := startServer(t, testCfg())

	var health map[string]any
	resp := getJSON(t, base+"/healthz", &health)
	if resp.StatusCode != http.StatusOK || health["ok"] != true {
		t.Fatalf("healthz: %d %v", resp.StatusCode, health)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("healthz response missing request id")
	}

	var ready map[string]any
	resp = getJSON(t, base+"/readyz", &ready)
	if resp.StatusCode != http.StatusOK || ready["ready"] != true {
		t.Fatalf("readyz: %d %v", resp.StatusCode, ready)
	}

	var build BuildInfo
	resp = getJSON(t, base+"/version", &build)
	if resp.StatusCode != http.StatusOK || build.Commit != "abc" {
		t.Fatalf("version: %d %+v", resp.StatusCode, build)
	}
}

func TestReadyzAfterShutdown(t *testing.T) {
	srv, base := startServer(t, testCfg())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		return // listener already gone is also acceptable
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown: %d", resp.StatusCode)
	}
}

func TestICEWithoutTURNRest(t *testing.T) {
	cfg := testCfg()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	_, base := startServer(t, cfg)

	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	resp := getJSON(t, base+"/ice", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ice: %d", resp.StatusCode)
	}
	if len(out.ICEServers) != 1 || out.ICEServers[0].Username != "" {
		t.Fatalf("ice servers: %+v", out.ICEServers)
	}
}

func TestICEMintsTURNCredentials(t *testing.T) {
	cfg := testCfg()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	cfg.TurnREST = config.TurnRESTConfig{
		SharedSecret:   "north-remembers",
		TTLSeconds:     600,
		UsernamePrefix: "huddle",
	}
	_, base := startServer(t, cfg)

	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
		Expiry     int64              `json:"expiry"`
	}
	resp := getJSON(t, base+"/ice?peerId=peer-a", &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ice: %d", resp.StatusCode)
	}
	if len(out.ICEServers) != 2 {
		t.Fatalf("ice servers: %+v", out.ICEServers)
	}
	if out.ICEServers[0].Username != "" {
		t.Fatal("stun entry got credentials")
	}
	turn := out.ICEServers[1]
	if turn.Username == "" || turn.Credential == nil {
		t.Fatalf("turn entry missing credentials: %+v", turn)
	}
	if !strings.Contains(turn.Username, ":huddle:peer-a") {
		t.Fatalf("turn username %q", turn.Username)
	}
	if out.Expiry <= time.Now().Unix() {
		t.Fatalf("expiry %d not in the future", out.Expiry)
	}
}

func TestOriginPolicyRejectsUnknownOrigin(t *testing.T) {
	cfg := testCfg()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	_, base := startServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, base+"/ice", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unknown origin: %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, base+"/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin: %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin header %q", got)
	}
}

func TestMetricsExposition(t *testing.T) {
	_, base := startServer(t, testCfg())

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "huddle_signal_events_total") {
		t.Fatalf("metrics body missing counter family: %q", string(body))
	}
}

// TestSignalUpgradeThroughMiddleware proves the WebSocket upgrade survives
// the logging middleware's response wrapper.
func TestSignalUpgradeThroughMiddleware(t *testing.T) {
	_, base := startServer(t, testCfg())
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/signal"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.KindJoin, RoomID: "r1", PeerID: "p1"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if env.Type != protocol.KindRoomPeers {
		t.Fatalf("reply %q, want room-peers", env.Type)
	}
}
