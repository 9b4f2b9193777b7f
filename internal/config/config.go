package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr      = "HUDDLE_LISTEN_ADDR"
	envAllowedOrigins  = "ALLOWED_ORIGINS"
	envLogFormat       = "HUDDLE_LOG_FORMAT"
	envLogLevel        = "HUDDLE_LOG_LEVEL"
	envShutdownTimeout = "HUDDLE_SHUTDOWN_TIMEOUT"
	envMode            = "HUDDLE_MODE"

	// Room/broadcast knobs.
	envMaxRoomPeers         = "MAX_ROOM_PEERS"
	envBroadcastGracePeriod = "BROADCAST_GRACE_PERIOD"

	// WebSocket signaling hardening.
	envMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envSendQueueLength               = "SEND_QUEUE_LENGTH"

	// coturn TURN REST (ephemeral) credentials for GET /ice.
	envTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	// DefaultMaxRoomPeers bounds mesh rooms; a full mesh past this size melts
	// client upload bandwidth long before the relay becomes the bottleneck.
	DefaultMaxRoomPeers = 6

	// DefaultBroadcastGracePeriod keeps an emptied broadcast room alive so a
	// transient broadcaster disconnect can be treated as "still live".
	DefaultBroadcastGracePeriod = 30 * time.Second

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSendQueueLength               = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "huddle"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	MaxRoomPeers         int
	BroadcastGracePeriod time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	SendQueueLength               int

	// ICEServers is handed to clients on GET /ice so both sides of a call
	// gather against the same STUN/TURN set.
	ICEServers []webrtc.ICEServer

	TurnREST TurnRESTConfig
}

// Load builds the configuration from environment variables with flag
// overrides. args is os.Args[1:].
func Load(args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      DefaultListenAddr,
		LogFormat:       LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,
		Mode:            DefaultMode,

		MaxRoomPeers:         DefaultMaxRoomPeers,
		BroadcastGracePeriod: DefaultBroadcastGracePeriod,

		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		SignalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		SignalingWSPingInterval:       DefaultSignalingWSPingInterval,
		SendQueueLength:               DefaultSendQueueLength,

		TurnREST: TurnRESTConfig{
			TTLSeconds:     DefaultTURNRESTTTLSeconds,
			UsernamePrefix: DefaultTURNRESTUsernamePrefix,
		},
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("huddle-signal", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", cfg.ListenAddr, "TCP address to listen on")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	mode := fs.String("mode", string(cfg.Mode), "run mode: dev or prod")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listenAddr
	cfg.LogFormat = LogFormat(*logFormat)
	cfg.Mode = Mode(*mode)
	if *logLevel != "" {
		lvl, err := parseLogLevel(*logLevel)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = lvl
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envAllowedOrigins); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = LogFormat(v)
	}
	if v := os.Getenv(envLogLevel); v != "" {
		lvl, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if v := os.Getenv(envMode); v != "" {
		cfg.Mode = Mode(v)
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration(envShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.MaxRoomPeers, err = envInt(envMaxRoomPeers, cfg.MaxRoomPeers); err != nil {
		return err
	}
	if cfg.BroadcastGracePeriod, err = envDuration(envBroadcastGracePeriod, cfg.BroadcastGracePeriod); err != nil {
		return err
	}
	if cfg.MaxSignalingMessagesPerSecond, err = envInt(envMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond); err != nil {
		return err
	}
	if cfg.SendQueueLength, err = envInt(envSendQueueLength, cfg.SendQueueLength); err != nil {
		return err
	}
	if v := os.Getenv(envMaxSignalingMessageBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxSignalingMessageBytes, err)
		}
		cfg.MaxSignalingMessageBytes = n
	}
	if cfg.SignalingWSIdleTimeout, err = envDuration(envSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout); err != nil {
		return err
	}
	if cfg.SignalingWSPingInterval, err = envDuration(envSignalingWSPingInterval, cfg.SignalingWSPingInterval); err != nil {
		return err
	}

	if cfg.ICEServers, err = parseICEServersFromEnv(); err != nil {
		return err
	}

	cfg.TurnREST.SharedSecret = os.Getenv(envTURNRESTSharedSecret)
	if v := os.Getenv(envTURNRESTTTLSeconds); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envTURNRESTTTLSeconds, err)
		}
		cfg.TurnREST.TTLSeconds = n
	}
	if v := os.Getenv(envTURNRESTUsernamePrefix); v != "" {
		cfg.TurnREST.UsernamePrefix = v
	}
	cfg.TurnREST.Realm = os.Getenv(envTURNRESTRealm)

	return nil
}

func (cfg Config) validate() error {
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	switch cfg.Mode {
	case ModeDev, ModeProd:
	default:
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	if cfg.MaxRoomPeers < 2 {
		return fmt.Errorf("%s must be >= 2, got %d", envMaxRoomPeers, cfg.MaxRoomPeers)
	}
	if cfg.BroadcastGracePeriod < 0 {
		return fmt.Errorf("%s must be >= 0", envBroadcastGracePeriod)
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be > 0", envMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be > 0", envMaxSignalingMessagesPerSecond)
	}
	if cfg.SendQueueLength <= 0 {
		return fmt.Errorf("%s must be > 0", envSendQueueLength)
	}
	if cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envSignalingWSPingInterval, envSignalingWSIdleTimeout)
	}
	if cfg.TurnREST.Enabled() && cfg.TurnREST.TTLSeconds <= 0 {
		return fmt.Errorf("%s must be > 0", envTURNRESTTTLSeconds)
	}
	return nil
}

// NewLogger builds the process logger per config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	switch cfg.LogFormat {
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
}

func parseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", v)
	}
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
