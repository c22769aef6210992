// ABOUTME: Auth manager: token issuance, session authentication, permission checks
// ABOUTME: Distinguishes "not authenticated" from "insufficient permission" errors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/mesh-gateway/internal/session"
)

// Auth errors
var (
	// ErrNotAuthenticated means the session has no bound entity. Clients
	// should call auth.authenticate.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPermissionDenied means the session is authenticated but its token
	// does not cover the called method.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrEntityMismatch means the declared entity does not match the token.
	ErrEntityMismatch = errors.New("token entity mismatch")
)

// DefaultPermissions is granted when a token carries no explicit permission
// set: everything except the auth.* administrative methods.
var DefaultPermissions = []string{"rpc.", "session.", "presence.", "channel.", "agent.", "gateway."}

// TokenLedger records issued tokens and answers revocation checks.
// Implemented by the SQLite store; may be nil in tests.
type TokenLedger interface {
	SaveToken(ctx context.Context, tokenID, entityID string, permissions []string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	RevokeToken(ctx context.Context, tokenID string) error
}

// Manager validates tokens and binds authenticated identities onto sessions.
type Manager struct {
	signer     *Signer
	ledger     TokenLedger
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewManager creates an auth manager. ledger may be nil, in which case
// issued tokens are not recorded and revocation checks are skipped.
func NewManager(secret []byte, ledger TokenLedger, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		signer:     NewSigner(secret),
		ledger:     ledger,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// GenerateToken issues a token for the given entity. A zero ttl uses the
// configured default. The token is recorded in the ledger when one is wired.
func (m *Manager) GenerateToken(ctx context.Context, entityID string, permissions []string, ttl time.Duration) (token, tokenID string, err error) {
	if entityID == "" {
		return "", "", fmt.Errorf("entity id is required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	token, tokenID, err = m.signer.Generate(entityID, permissions, ttl)
	if err != nil {
		return "", "", err
	}

	if m.ledger != nil {
		if err := m.ledger.SaveToken(ctx, tokenID, entityID, permissions, time.Now().Add(ttl)); err != nil {
			return "", "", fmt.Errorf("recording token: %w", err)
		}
	}

	m.logger.Info("token issued", "entity_id", entityID, "token_id", tokenID, "ttl", ttl)
	return token, tokenID, nil
}

// RevokeToken marks an issued token as revoked in the ledger.
func (m *Manager) RevokeToken(ctx context.Context, tokenID string) error {
	if m.ledger == nil {
		return fmt.Errorf("token ledger not configured")
	}
	if err := m.ledger.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	m.logger.Info("token revoked", "token_id", tokenID)
	return nil
}

// Authenticate validates the token and binds the declared identity onto the
// session. The token's entity must match the declared one; the binding is
// immutable for the session's lifetime.
func (m *Manager) Authenticate(ctx context.Context, sess *session.Session, token, entityID, entityType string, capabilities []string) error {
	claims, err := m.signer.Verify(token)
	if err != nil {
		return err
	}

	if claims.EntityID != entityID {
		return ErrEntityMismatch
	}

	if m.ledger != nil && claims.TokenID != "" {
		revoked, err := m.ledger.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			return fmt.Errorf("checking revocation: %w", err)
		}
		if revoked {
			return ErrTokenRevoked
		}
	}

	permissions := claims.Permissions
	if len(permissions) == 0 {
		permissions = DefaultPermissions
	}

	if err := sess.Bind(entityID, entityType, capabilities, permissions); err != nil {
		return err
	}

	m.logger.Info("session authenticated",
		"session_id", sess.ID,
		"entity_id", entityID,
		"entity_type", entityType,
		"capabilities", capabilities,
	)
	return nil
}

// Permit checks whether the session may call the named method.
// Unauthenticated sessions get ErrNotAuthenticated; authenticated sessions
// whose permissions do not cover the method get ErrPermissionDenied.
func (m *Manager) Permit(sess *session.Session, method string) error {
	if !sess.Authenticated() {
		return ErrNotAuthenticated
	}
	if !Allowed(sess.Permissions(), method) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, method)
	}
	return nil
}

// Allowed reports whether a permission set covers a method name. An entry is
// either "*" (everything), an exact method name, or a prefix ending in "."
// covering a method family.
func Allowed(permissions []string, method string) bool {
	for _, p := range permissions {
		switch {
		case p == "*":
			return true
		case p == method:
			return true
		case strings.HasSuffix(p, ".") && strings.HasPrefix(method, p):
			return true
		}
	}
	return false
}
