// ABOUTME: JSON-RPC 2.0 dispatcher: frame parsing, batch handling, auth gating
// ABOUTME: Handler panics are contained per-request; internals never leak to clients

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/backend"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/session"
)

// AuthChecker gates method calls on the session's authentication state and
// permission set. Implemented by the auth manager.
type AuthChecker interface {
	Permit(sess *session.Session, method string) error
}

// Dispatcher routes parsed frames to registered method handlers.
type Dispatcher struct {
	registry *Registry
	checker  AuthChecker
	logger   *slog.Logger
}

// New creates a dispatcher over the given method registry.
func New(registry *Registry, checker AuthChecker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		checker:  checker,
		logger:   logger,
	}
}

// HandleFrame processes one inbound frame, single request or batch, and
// returns the marshaled reply frame. A nil reply means nothing is sent (the
// frame held only notifications). Requests within a batch run sequentially
// in order; responses appear in the same order.
func (d *Dispatcher) HandleFrame(ctx context.Context, sess *session.Session, data []byte) []byte {
	elements, batch, err := protocol.ParseFrame(data)
	if err != nil {
		return marshal(d.logger, protocol.NewError(nil, protocol.CodeParse, "parse error"))
	}

	if !batch {
		resp := d.handleElement(ctx, sess, elements[0])
		if resp == nil {
			return nil
		}
		return marshal(d.logger, resp)
	}

	// An empty batch is itself an invalid request.
	if len(elements) == 0 {
		return marshal(d.logger, protocol.NewError(nil, protocol.CodeInvalidRequest, "empty batch"))
	}

	responses := make([]*protocol.Response, 0, len(elements))
	for _, el := range elements {
		if resp := d.handleElement(ctx, sess, el); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	return marshal(d.logger, responses)
}

// handleElement processes one request object. Returns nil for notifications,
// which never produce a response even on failure.
func (d *Dispatcher) handleElement(ctx context.Context, sess *session.Session, raw json.RawMessage) *protocol.Response {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil || !req.Valid() {
		// Can't trust the ID of a malformed element.
		return protocol.NewError(nil, protocol.CodeInvalidRequest, "invalid request")
	}

	result, rpcErr := d.call(ctx, sess, &req)

	if req.IsNotification() {
		if rpcErr != nil {
			d.logger.Debug("notification failed",
				"session_id", sess.ID,
				"method", req.Method,
				"code", rpcErr.Code,
			)
		}
		return nil
	}

	if rpcErr != nil {
		return protocol.NewError(req.ID, rpcErr.Code, rpcErr.Message)
	}
	return protocol.NewResult(req.ID, result)
}

// call runs the method handler with auth gating and panic containment.
func (d *Dispatcher) call(ctx context.Context, sess *session.Session, req *protocol.Request) (result any, rpcErr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				"session_id", sess.ID,
				"method", req.Method,
				"panic", r,
			)
			result = nil
			rpcErr = &protocol.Error{Code: protocol.CodeInternal, Message: "internal error"}
		}
	}()

	method, ok := d.registry.Lookup(req.Method)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", req.Method)
	}

	if method.RequiresAuth {
		if err := d.checker.Permit(sess, req.Method); err != nil {
			return nil, authError(err)
		}
	}

	result, err := method.Handler(ctx, sess, req.Params)
	if err != nil {
		return nil, d.toRPCError(sess, req.Method, err)
	}
	return result, nil
}

// toRPCError maps a handler error to the client-visible form. Known sentinel
// errors become their protocol codes; anything else is logged and reported
// as a bare internal error.
func (d *Dispatcher) toRPCError(sess *session.Session, method string, err error) *protocol.Error {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, auth.ErrNotAuthenticated),
		errors.Is(err, auth.ErrPermissionDenied),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenRevoked),
		errors.Is(err, auth.ErrEntityMismatch),
		errors.Is(err, session.ErrAlreadyAuthenticated):
		return authError(err)
	case errors.Is(err, backend.ErrPolicyRejected):
		return &protocol.Error{Code: protocol.CodePolicyRejected, Message: err.Error()}
	}

	d.logger.Error("handler error",
		"session_id", sess.ID,
		"method", method,
		"error", err,
	)
	return &protocol.Error{Code: protocol.CodeInternal, Message: "internal error"}
}

// authError maps auth sentinel errors to protocol error codes.
func authError(err error) *protocol.Error {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return &protocol.Error{Code: protocol.CodeAuthRequired, Message: "authentication required"}
	case errors.Is(err, auth.ErrPermissionDenied):
		return &protocol.Error{Code: protocol.CodePermissionDenied, Message: err.Error()}
	default:
		return &protocol.Error{Code: protocol.CodeAuthFailed, Message: err.Error()}
	}
}

func marshal(logger *slog.Logger, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshaling response", "error", err)
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`)
	}
	return data
}
