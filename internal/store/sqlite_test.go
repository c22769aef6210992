// ABOUTME: Tests for the SQLite store: token ledger and event log
// ABOUTME: Uses a temp-dir database file per test

package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "gateway.db"), testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_TokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.SaveToken(ctx, "tok-1", "agent-1", []string{"channel."}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	revoked, err := s.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeToken(ctx, "tok-1"))

	revoked, err = s.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Revoking again is a no-op.
	require.NoError(t, s.RevokeToken(ctx, "tok-1"))
}

func TestStore_RevokeUnknownToken(t *testing.T) {
	s := newTestStore(t)
	err := s.RevokeToken(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestStore_IsRevoked_UnknownToken(t *testing.T) {
	s := newTestStore(t)

	// Unknown tokens are not revoked; validity comes from the signature.
	revoked, err := s.IsRevoked(context.Background(), "never-issued")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestStore_Events(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.RecordEvent(ctx, "connect", "s1", "", "10.0.0.1:1234")
	s.RecordEvent(ctx, "connect", "s2", "", "10.0.0.2:1234")
	s.RecordEvent(ctx, "eviction", "s1", "agent-1", "heartbeat timeout")

	connects, err := s.EventCount(ctx, "connect")
	require.NoError(t, err)
	assert.Equal(t, int64(2), connects)

	all, err := s.EventCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all)

	none, err := s.EventCount(ctx, "disconnect")
	require.NoError(t, err)
	assert.Equal(t, int64(0), none)
}
