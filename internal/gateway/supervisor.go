// ABOUTME: Connection supervisor: accept, read loop, writer, heartbeat eviction
// ABOUTME: One reader, one writer, one heartbeat goroutine per connection

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/session"
)

// readLimitHeadroom is added to the configured frame cap when setting the
// transport read limit, so that oversized frames up to the slack arrive
// intact and can be rejected with a proper error instead of a dropped link.
const readLimitHeadroom = 64 * 1024

// welcomeParams is the payload of the gateway.welcome notification sent
// immediately after accept, before any client frame is processed.
type welcomeParams struct {
	ConnectionID      string   `json:"connection_id"`
	ServerID          string   `json:"server_id"`
	ProtocolVersion   string   `json:"protocol_version"`
	HeartbeatInterval string   `json:"heartbeat_interval"`
	Capabilities      []string `json:"capabilities"`
}

// handleWS upgrades the request and supervises the connection until it ends.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	compression := websocket.CompressionDisabled
	if g.config.Gateway.Compression {
		compression = websocket.CompressionContextTakeover
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: compression,
	})
	if err != nil {
		g.logger.Warn("accepting connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(g.config.Gateway.MaxMessageBytes + readLimitHeadroom)

	metrics.TotalConnections.Inc()

	sess := session.New(uuid.New().String(), uuid.New().String(), g.logger.With("component", "session"))
	g.registry.Add(sess)
	metrics.ActiveSessions.Set(float64(g.registry.Len()))
	g.store.RecordEvent(r.Context(), "connect", sess.ID, "", r.RemoteAddr)

	defer g.cleanup(sess)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.writeLoop(ctx, cancel, conn, sess)
	go g.heartbeatLoop(ctx, sess)

	g.sendWelcome(sess)
	g.readLoop(ctx, conn, sess)
}

// sendWelcome queues the welcome notification as the first outbound frame.
func (g *Gateway) sendWelcome(sess *session.Session) {
	sess.Notify("gateway.welcome", welcomeParams{
		ConnectionID:      sess.ConnectionID,
		ServerID:          g.serverID,
		ProtocolVersion:   ProtocolVersion,
		HeartbeatInterval: g.config.Gateway.HeartbeatInterval.String(),
		Capabilities:      []string{"batch", "channels", "presence", "direct"},
	})
}

// readLoop processes inbound frames sequentially. Requests from one
// connection never interleave: responses go out in arrival order.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				g.logger.Debug("connection closed by peer", "session_id", sess.ID)
			} else if ctx.Err() == nil {
				g.logger.Debug("read failed", "session_id", sess.ID, "error", err)
			}
			return
		}

		sess.Touch()
		metrics.MessagesReceived.Inc()

		// Oversized frames are rejected, not fatal. The transport read
		// limit above only guards against frames beyond the headroom.
		if int64(len(data)) > g.config.Gateway.MaxMessageBytes {
			g.logger.Warn("oversized frame rejected",
				"session_id", sess.ID,
				"size", len(data),
				"limit", g.config.Gateway.MaxMessageBytes,
			)
			resp, _ := json.Marshal(protocol.NewError(nil, protocol.CodeMessageTooLarge, "message exceeds size limit"))
			if err := sess.Enqueue(resp); err != nil {
				return
			}
			continue
		}

		if reply := g.dispatcher.HandleFrame(ctx, sess, data); reply != nil {
			if err := sess.Enqueue(reply); err != nil {
				return
			}
		}
	}
}

// writeTimeout bounds a single frame write. A peer that stops reading stalls
// the writer until this fires.
var writeTimeout = 10 * time.Second

// writeLoop is the single writer for the connection. It drains the session's
// outbound queue in order. On exit it closes the session, not just the
// context: the read loop may be blocked in Enqueue on a full queue, and only
// the session's done channel can unblock it there.
func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session.Session) {
	defer cancel()
	defer sess.Close()

	for {
		select {
		case data := <-sess.Outbound():
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				g.logger.Debug("write failed", "session_id", sess.ID, "error", err)
				return
			}
			metrics.MessagesSent.Inc()
		case <-sess.Done():
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop sends periodic heartbeats and evicts the session when no
// inbound activity arrives within the timeout. Liveness is judged on frames
// read, not requests completed, so a long-running handler does not get its
// connection reaped.
func (g *Gateway) heartbeatLoop(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(g.config.Gateway.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if sess.IdleFor() > g.config.Gateway.HeartbeatTimeout {
				g.logger.Info("evicting idle session",
					"session_id", sess.ID,
					"entity_id", sess.EntityID(),
					"idle", sess.IdleFor().Round(time.Second),
				)
				metrics.HeartbeatEvictions.Inc()
				g.store.RecordEvent(ctx, "eviction", sess.ID, sess.EntityID(), "heartbeat timeout")
				sess.Close()
				return
			}
			sess.Notify("gateway.heartbeat", map[string]any{
				"server_time": time.Now().UTC().Format(time.RFC3339),
			})
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanup tears down all state bound to a departed session. Presence drop
// happens after channel unsubscription so the offline broadcast never
// reaches the departing session.
func (g *Gateway) cleanup(sess *session.Session) {
	sess.Close()
	g.router.UnsubscribeAll(sess)

	if rec, ok := g.presence.DropSession(sess.ID); ok {
		g.logger.Info("entity offline", "entity_id", rec.EntityID, "session_id", sess.ID)
	}

	g.registry.Remove(sess.ID)
	metrics.ActiveSessions.Set(float64(g.registry.Len()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.store.RecordEvent(ctx, "disconnect", sess.ID, sess.EntityID(), "")
}
