package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huddlewire/huddle/internal/metrics"
	"github.com/huddlewire/huddle/internal/protocol"
	"github.com/huddlewire/huddle/internal/ratelimit"
)

const writeWait = 1 * time.Second

// client is one WebSocket connection. All writes go through the send channel
// and the write pump so the connection only ever has one writer; the read
// pump is the only goroutine that touches the membership fields.
type client struct {
	server *Server
	conn   *websocket.Conn
	log    *slog.Logger

	send      chan protocol.Envelope
	closeOnce sync.Once
	closed    chan struct{}

	// Membership, owned by the read pump.
	peerID string
	roomID string
	kind   roomKind
}

type roomKind int

const (
	roomNone roomKind = iota
	roomMesh
	roomBroadcast
)

func newClient(s *Server, conn *websocket.Conn, log *slog.Logger) *client {
	return &client{
		server: s,
		conn:   conn,
		log:    log,
		send:   make(chan protocol.Envelope, s.cfg.SendQueueLength),
		closed: make(chan struct{}),
	}
}

// Deliver enqueues env for the write pump. It never blocks: a saturated or
// closed connection reports false and the message is dropped. A slow reader
// must not stall fan-out to the rest of its room.
func (c *client) Deliver(env protocol.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.server.metrics.Inc(metrics.DropReasonSendQueueFull)
		c.log.Warn("send queue full, dropping message", "type", env.Type)
		return false
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// readPump reads, rate-limits, parses and dispatches inbound messages until
// the connection dies, then runs the same cleanup an explicit leave would.
func (c *client) readPump() {
	defer func() {
		c.server.handleDisconnect(c)
		c.shutdown()
	}()

	cfg := c.server.cfg
	limiter := ratelimit.NewTokenBucket(c.server.clock, int64(cfg.MessagesPerSecond), int64(cfg.MessagesPerSecond))

	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// The limiter runs after the read so an over-limit client gets a
		// proper close frame instead of a reset mid-handshake.
		if !limiter.Allow(1) {
			c.server.metrics.Inc(metrics.DropReasonRateLimited)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			// Malformed traffic is the sender's problem, not the room's.
			c.server.metrics.Inc(metrics.DropReasonMalformed)
			c.log.Warn("dropping malformed message", "err", err)
			continue
		}

		c.server.dispatch(c, env)
	}
}

// writePump owns all writes to the connection, including keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *client) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
