package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxRoomPeers != DefaultMaxRoomPeers {
		t.Errorf("MaxRoomPeers = %d", cfg.MaxRoomPeers)
	}
	if cfg.BroadcastGracePeriod != DefaultBroadcastGracePeriod {
		t.Errorf("BroadcastGracePeriod = %v", cfg.BroadcastGracePeriod)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(envListenAddr, "0.0.0.0:9000")
	t.Setenv(envBroadcastGracePeriod, "5s")
	t.Setenv(envMaxRoomPeers, "4")
	t.Setenv(envAllowedOrigins, "https://a.example, https://b.example")
	t.Setenv(envLogLevel, "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.BroadcastGracePeriod != 5*time.Second {
		t.Errorf("BroadcastGracePeriod = %v", cfg.BroadcastGracePeriod)
	}
	if cfg.MaxRoomPeers != 4 {
		t.Errorf("MaxRoomPeers = %d", cfg.MaxRoomPeers)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv(envListenAddr, "0.0.0.0:9000")
	cfg, err := Load([]string{"-listen-addr", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv(envMaxRoomPeers, "1")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for MAX_ROOM_PEERS=1")
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv(envBroadcastGracePeriod, "not-a-duration")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseICEServersJSON(t *testing.T) {
	raw := `[{"urls":"stun:stun.example.com:3478"},{"urls":["turn:turn.example.com"],"username":"u","credential":"c"}]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len = %d", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("urls[0] = %v", servers[0].URLs)
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Errorf("turn creds = %v/%v", servers[1].Username, servers[1].Credential)
	}

	if _, err := ParseICEServersJSON(`[{"urls":[]}]`); err == nil {
		t.Fatal("expected error for empty urls")
	}
}

func TestConvenienceTurnRequiresCredentials(t *testing.T) {
	t.Setenv(envTurnURLs, "turn:turn.example.com")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for TURN urls without credentials")
	}
}
