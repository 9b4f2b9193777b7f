package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/huddlewire/huddle/internal/config"
	"github.com/huddlewire/huddle/internal/httpserver"
	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/registry"
	"github.com/huddlewire/huddle/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting huddle-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_room_peers", cfg.MaxRoomPeers,
		"broadcast_grace_period", cfg.BroadcastGracePeriod,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TurnREST.Enabled(),
	)

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured; browser clients are limited to same-host requests")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	m := metrics.New()

	srv, err := httpserver.New(cfg, logger, m, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	reg := registry.New(registry.Config{
		MaxRoomPeers:         cfg.MaxRoomPeers,
		BroadcastGracePeriod: cfg.BroadcastGracePeriod,
	}, logger, m)

	rel := relay.NewServer(relay.Config{
		MaxRoomPeers:         cfg.MaxRoomPeers,
		BroadcastGracePeriod: cfg.BroadcastGracePeriod,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MessagesPerSecond:    cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		SendQueueLength:      cfg.SendQueueLength,
		AllowedOrigins:       cfg.AllowedOrigins,
	}, logger, m, reg)
	srv.Mux().Handle("GET /signal", rel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// resolveBuildInfo prefers ldflags-injected values but falls back to the Go
// build info, which covers `go run` and dev builds.
func resolveBuildInfo(commit, built string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	if built == "" {
		built = "unknown"
	}
	return commit, built
}
