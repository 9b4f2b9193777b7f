// Command chat-demo runs an in-process relay and two WebRTC clients that
// negotiate a session over it and exchange chat both ways. It exercises the
// full path a browser pair would take: join, offer/answer, ICE, then chat
// over the data channel (or the relay until the channel opens).
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/huddlewire/huddle/internal/client"
	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/protocol"
	"github.com/huddlewire/huddle/internal/registry"
	"github.com/huddlewire/huddle/internal/relay"
	"github.com/huddlewire/huddle/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	m := metrics.New()
	reg := registry.New(registry.Config{MaxRoomPeers: 6, BroadcastGracePeriod: 30 * time.Second}, logger, m)
	rel := relay.NewServer(relay.Config{
		MaxRoomPeers:      6,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 50,
		IdleTimeout:       60 * time.Second,
		PingInterval:      20 * time.Second,
		SendQueueLength:   64,
	}, logger, m, reg)

	mux := http.NewServeMux()
	mux.Handle("GET /signal", rel)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	url := fmt.Sprintf("ws://%s/signal", ln.Addr())
	fmt.Printf("relay listening on %s\n", url)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := session.NewAPI(session.SlogLoggerFactory{Base: logger})
	newEngine := func(_ string) (session.Engine, error) {
		return session.NewPionEngine(api, nil)
	}

	aliceChat := make(chan protocol.ChatMessage, 4)
	bobChat := make(chan protocol.ChatMessage, 4)
	connected := make(chan string, 4)

	alice, err := dialPeer(ctx, url, "alice", newEngine, logger, aliceChat, connected)
	if err != nil {
		return err
	}
	defer alice.Close()

	bob, err := dialPeer(ctx, url, "bob", newEngine, logger, bobChat, connected)
	if err != nil {
		return err
	}
	defer bob.Close()

	if _, err := alice.JoinRoom(ctx, "demo"); err != nil {
		return fmt.Errorf("alice join: %w", err)
	}
	peers, err := bob.JoinRoom(ctx, "demo")
	if err != nil {
		return fmt.Errorf("bob join: %w", err)
	}
	fmt.Printf("bob joined; existing peers: %d\n", len(peers))

	// Both sides report Connected once the offer/answer/ICE dance lands.
	for i := 0; i < 2; i++ {
		select {
		case who := <-connected:
			fmt.Printf("%s session connected\n", who)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for sessions to connect")
		}
	}

	if err := alice.SendChat("hello from alice"); err != nil {
		return fmt.Errorf("alice chat: %w", err)
	}
	if err := bob.SendChat("hi alice"); err != nil {
		return fmt.Errorf("bob chat: %w", err)
	}

	for _, wait := range []struct {
		name string
		ch   chan protocol.ChatMessage
	}{{"bob", bobChat}, {"alice", aliceChat}} {
		select {
		case msg := <-wait.ch:
			fmt.Printf("%s received: %q from %s\n", wait.name, msg.Text, msg.Username)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for chat at %s", wait.name)
		}
	}

	fmt.Println("OK")
	return nil
}

func dialPeer(ctx context.Context, url, name string, newEngine client.EngineFactory, logger *slog.Logger, chat chan protocol.ChatMessage, connected chan string) (*client.Client, error) {
	c, err := client.Dial(ctx, client.Config{
		URL:       url,
		PeerID:    name,
		Username:  name,
		NewEngine: newEngine,
		Logger:    logger,
		Handlers: client.Handlers{
			OnChat: func(msg protocol.ChatMessage) {
				select {
				case chat <- msg:
				default:
				}
			},
			OnSessionState: func(remoteID string, s session.State) {
				if s == session.Connected {
					select {
					case connected <- name:
					default:
					}
				}
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", name, err)
	}
	return c, nil
}
