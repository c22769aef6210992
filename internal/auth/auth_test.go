// ABOUTME: Tests for token signing, verification, and permission checks
// ABOUTME: Covers expiry, tampering, entity mismatch, revocation, and prefixes

package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/session"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSigner_RoundTrip(t *testing.T) {
	signer := NewSigner([]byte("secret"))

	token, tokenID, err := signer.Generate("agent-1", []string{"channel.", "agent.send"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.EntityID)
	assert.Equal(t, tokenID, claims.TokenID)
	assert.Equal(t, []string{"channel.", "agent.send"}, claims.Permissions)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestSigner_Expired(t *testing.T) {
	signer := NewSigner([]byte("secret"))

	token, _, err := signer.Generate("agent-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestSigner_WrongSecret(t *testing.T) {
	token, _, err := NewSigner([]byte("secret-a")).Generate("agent-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = NewSigner([]byte("secret-b")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSigner_Garbage(t *testing.T) {
	_, err := NewSigner([]byte("secret")).Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// memLedger is an in-memory TokenLedger for tests.
type memLedger struct {
	saved   map[string]bool
	revoked map[string]bool
}

func newMemLedger() *memLedger {
	return &memLedger{saved: make(map[string]bool), revoked: make(map[string]bool)}
}

func (l *memLedger) SaveToken(ctx context.Context, tokenID, entityID string, permissions []string, expiresAt time.Time) error {
	l.saved[tokenID] = true
	return nil
}

func (l *memLedger) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return l.revoked[tokenID], nil
}

func (l *memLedger) RevokeToken(ctx context.Context, tokenID string) error {
	l.revoked[tokenID] = true
	return nil
}

func TestManager_Authenticate(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager([]byte("secret"), newMemLedger(), time.Hour, testLogger)

	token, _, err := mgr.GenerateToken(ctx, "agent-1", nil, 0)
	require.NoError(t, err)

	sess := session.New("s1", "c1", testLogger)
	err = mgr.Authenticate(ctx, sess, token, "agent-1", "agent", []string{"chat"})
	require.NoError(t, err)

	assert.True(t, sess.Authenticated())
	assert.Equal(t, "agent-1", sess.EntityID())
	assert.Equal(t, "agent", sess.EntityType())
	assert.Equal(t, []string{"chat"}, sess.Capabilities())
	// Tokens without explicit permissions fall back to the default set.
	assert.Equal(t, DefaultPermissions, sess.Permissions())
}

func TestManager_Authenticate_EntityMismatch(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager([]byte("secret"), nil, time.Hour, testLogger)

	token, _, err := mgr.GenerateToken(ctx, "agent-1", nil, 0)
	require.NoError(t, err)

	sess := session.New("s1", "c1", testLogger)
	err = mgr.Authenticate(ctx, sess, token, "agent-2", "agent", nil)
	assert.ErrorIs(t, err, ErrEntityMismatch)
	assert.False(t, sess.Authenticated())
}

func TestManager_Authenticate_Revoked(t *testing.T) {
	ctx := context.Background()
	ledger := newMemLedger()
	mgr := NewManager([]byte("secret"), ledger, time.Hour, testLogger)

	token, tokenID, err := mgr.GenerateToken(ctx, "agent-1", nil, 0)
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeToken(ctx, tokenID))

	sess := session.New("s1", "c1", testLogger)
	err = mgr.Authenticate(ctx, sess, token, "agent-1", "agent", nil)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestManager_Authenticate_Rebind(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager([]byte("secret"), nil, time.Hour, testLogger)

	token, _, err := mgr.GenerateToken(ctx, "agent-1", nil, 0)
	require.NoError(t, err)

	sess := session.New("s1", "c1", testLogger)
	require.NoError(t, mgr.Authenticate(ctx, sess, token, "agent-1", "agent", nil))

	err = mgr.Authenticate(ctx, sess, token, "agent-1", "agent", nil)
	assert.ErrorIs(t, err, session.ErrAlreadyAuthenticated)
}

func TestManager_Permit(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager([]byte("secret"), nil, time.Hour, testLogger)

	sess := session.New("s1", "c1", testLogger)
	assert.ErrorIs(t, mgr.Permit(sess, "channel.publish"), ErrNotAuthenticated)

	token, _, err := mgr.GenerateToken(ctx, "agent-1", []string{"channel."}, 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Authenticate(ctx, sess, token, "agent-1", "agent", nil))

	assert.NoError(t, mgr.Permit(sess, "channel.publish"))
	assert.ErrorIs(t, mgr.Permit(sess, "auth.generateToken"), ErrPermissionDenied)
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name        string
		permissions []string
		method      string
		want        bool
	}{
		{"wildcard", []string{"*"}, "auth.generateToken", true},
		{"exact match", []string{"agent.send"}, "agent.send", true},
		{"exact no match", []string{"agent.send"}, "agent.query", false},
		{"prefix match", []string{"channel."}, "channel.publish", true},
		{"prefix is not substring", []string{"channel"}, "channel.publish", false},
		{"empty set", nil, "rpc.ping", false},
		{"default set covers gateway", DefaultPermissions, "gateway.getStats", true},
		{"default set excludes token minting", DefaultPermissions, "auth.generateToken", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.permissions, tt.method))
		})
	}
}
