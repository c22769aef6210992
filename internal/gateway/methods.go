// ABOUTME: RPC method handlers: auth, session, presence, channels, direct sends
// ABOUTME: Handlers return *protocol.Error for client-visible failures

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/backend"
	"github.com/2389/mesh-gateway/internal/dispatch"
	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/presence"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/router"
	"github.com/2389/mesh-gateway/internal/session"
)

// registerMethods builds the gateway's method table.
func (g *Gateway) registerMethods() error {
	open := []dispatch.Method{
		{Name: "rpc.ping", Handler: g.handlePing},
		{Name: "rpc.echo", Handler: g.handleEcho},
		{Name: "rpc.listMethods", Handler: g.handleListMethods},
		{Name: "rpc.getServerInfo", Handler: g.handleServerInfo},
		{Name: "auth.authenticate", Handler: g.handleAuthenticate},
		{Name: "presence.get", Handler: g.handlePresenceGet},
		{Name: "agent.list", Handler: g.handleAgentList},
	}
	gated := []dispatch.Method{
		{Name: "auth.generateToken", Handler: g.handleGenerateToken},
		{Name: "auth.revokeToken", Handler: g.handleRevokeToken},
		{Name: "session.getInfo", Handler: g.handleSessionInfo},
		{Name: "presence.update", Handler: g.handlePresenceUpdate},
		{Name: "channel.subscribe", Handler: g.handleSubscribe},
		{Name: "channel.unsubscribe", Handler: g.handleUnsubscribe},
		{Name: "channel.publish", Handler: g.handlePublish},
		{Name: "agent.send", Handler: g.handleSend},
		{Name: "agent.query", Handler: g.handleQuery},
		{Name: "gateway.getStats", Handler: g.handleStats},
	}

	for _, m := range open {
		if err := g.methods.Register(m); err != nil {
			return err
		}
	}
	for _, m := range gated {
		m.RequiresAuth = true
		if err := g.methods.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func invalidParams(err error) *protocol.Error {
	return protocol.Errorf(protocol.CodeInvalidParams, "invalid params: %v", err)
}

func (g *Gateway) handlePing(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "server_time": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (g *Gateway) handleEcho(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return json.RawMessage("null"), nil
	}
	return params, nil
}

func (g *Gateway) handleListMethods(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	return map[string]any{"methods": g.methods.Names()}, nil
}

func (g *Gateway) handleServerInfo(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	return map[string]any{
		"server_id":        g.serverID,
		"protocol_version": ProtocolVersion,
		"started_at":       g.startedAt.Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(g.startedAt).Seconds()),
	}, nil
}

type authenticateParams struct {
	Token        string   `json:"token"`
	EntityID     string   `json:"entity_id"`
	EntityType   string   `json:"entity_type"`
	Capabilities []string `json:"capabilities"`
}

func (g *Gateway) handleAuthenticate(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p authenticateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Token == "" || p.EntityID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "token and entity_id are required")
	}
	if p.EntityType == "" {
		p.EntityType = "agent"
	}

	if err := g.authMgr.Authenticate(ctx, sess, p.Token, p.EntityID, p.EntityType, p.Capabilities); err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	metrics.AuthSuccess.Inc()

	g.presence.Bind(p.EntityID, p.EntityType, sess.ID)
	g.store.RecordEvent(ctx, "authenticate", sess.ID, p.EntityID, p.EntityType)

	return map[string]any{
		"authenticated": true,
		"session_id":    sess.ID,
		"entity_id":     p.EntityID,
	}, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrEntityMismatch):
		return "entity_mismatch"
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		return "rebind"
	default:
		return "invalid"
	}
}

type generateTokenParams struct {
	EntityID    string   `json:"entity_id"`
	Permissions []string `json:"permissions"`
	TTL         string   `json:"ttl"`
}

func (g *Gateway) handleGenerateToken(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p generateTokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.EntityID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "entity_id is required")
	}

	var ttl time.Duration
	if p.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(p.TTL)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "invalid ttl: %v", err)
		}
	}

	token, tokenID, err := g.authMgr.GenerateToken(ctx, p.EntityID, p.Permissions, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": token, "token_id": tokenID}, nil
}

type revokeTokenParams struct {
	TokenID string `json:"token_id"`
}

func (g *Gateway) handleRevokeToken(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p revokeTokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.TokenID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "token_id is required")
	}
	if err := g.authMgr.RevokeToken(ctx, p.TokenID); err != nil {
		return nil, err
	}
	return map[string]any{"revoked": true}, nil
}

func (g *Gateway) handleSessionInfo(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	return map[string]any{
		"session_id":       sess.ID,
		"connection_id":    sess.ConnectionID,
		"entity_id":        sess.EntityID(),
		"entity_type":      sess.EntityType(),
		"capabilities":     sess.Capabilities(),
		"permissions":      sess.Permissions(),
		"channels":         sess.Channels(),
		"connected_at":     sess.ConnectedAt.Format(time.RFC3339),
		"authenticated_at": sess.AuthenticatedAt().Format(time.RFC3339),
	}, nil
}

type presenceUpdateParams struct {
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
}

func (g *Gateway) handlePresenceUpdate(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p presenceUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	status := presence.Status(p.Status)
	if !status.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "invalid status: %s", p.Status)
	}

	rec, ok := g.presence.Update(sess.EntityID(), sess.ID, status, p.StatusText)
	if !ok {
		// The entity reconnected elsewhere; this session no longer owns
		// its presence record.
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "presence not bound to this session")
	}
	return rec, nil
}

type presenceGetParams struct {
	EntityID string `json:"entity_id"`
}

func (g *Gateway) handlePresenceGet(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p presenceGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.EntityID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "entity_id is required")
	}

	rec, ok := g.presence.Get(p.EntityID)
	if !ok {
		return map[string]any{"entity_id": p.EntityID, "status": string(presence.StatusOffline)}, nil
	}
	return rec, nil
}

func (g *Gateway) handleAgentList(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	return map[string]any{"agents": g.presence.List()}, nil
}

type channelParams struct {
	Channel string `json:"channel"`
}

func (g *Gateway) handleSubscribe(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p channelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Channel == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "channel is required")
	}

	g.router.Subscribe(sess, p.Channel)
	return map[string]any{"channel": p.Channel, "subscribed": true}, nil
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p channelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Channel == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "channel is required")
	}

	g.router.Unsubscribe(sess, p.Channel)
	return map[string]any{"channel": p.Channel, "subscribed": false}, nil
}

type publishParams struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

func (g *Gateway) handlePublish(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p publishParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Channel == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "channel is required")
	}
	if p.Channel == router.PresenceChannel {
		metrics.PublishesTotal.WithLabelValues("reserved").Inc()
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "channel %q is reserved", router.PresenceChannel)
	}

	if err := g.policy.Check(ctx, sess.EntityID(), p.Channel, p.Payload); err != nil {
		metrics.PublishesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	var payload any
	if len(p.Payload) > 0 {
		payload = json.RawMessage(p.Payload)
	}
	delivered := g.router.Publish(sess, p.Channel, payload)
	metrics.PublishesTotal.WithLabelValues("delivered").Inc()

	return map[string]any{"channel": p.Channel, "delivered": delivered}, nil
}

type sendParams struct {
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
}

func (g *Gateway) handleSend(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.EntityID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "entity_id is required")
	}

	var payload any
	if len(p.Payload) > 0 {
		payload = json.RawMessage(p.Payload)
	}
	if !g.router.Send(sess, p.EntityID, payload) {
		return map[string]any{"delivered": false, "reason": "offline"}, nil
	}
	return map[string]any{"delivered": true}, nil
}

type queryParams struct {
	Prompt string `json:"prompt"`
}

func (g *Gateway) handleQuery(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	var p queryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Prompt == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "prompt is required")
	}
	if g.reasoner == nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "%s", backend.ErrReasonerUnavailable.Error())
	}

	queryCtx, cancel := context.WithTimeout(ctx, g.config.Backend.QueryTimeout)
	defer cancel()

	answer, err := g.reasoner.Query(queryCtx, sess.EntityID(), p.Prompt)
	if err != nil {
		if queryCtx.Err() != nil {
			return nil, protocol.Errorf(protocol.CodeInternal, "query timed out")
		}
		return nil, err
	}
	return map[string]any{"answer": answer}, nil
}

func (g *Gateway) handleStats(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
	connects, err := g.store.EventCount(ctx, "connect")
	if err != nil {
		return nil, err
	}
	evictions, err := g.store.EventCount(ctx, "eviction")
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"server_id":         g.serverID,
		"active_sessions":   g.registry.Len(),
		"channels":          g.router.Channels(),
		"online_entities":   len(g.presence.List()),
		"total_connections": connects,
		"total_evictions":   evictions,
		"uptime_seconds":    int64(time.Since(g.startedAt).Seconds()),
	}, nil
}
