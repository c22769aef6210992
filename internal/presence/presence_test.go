// ABOUTME: Tests for presence records: bind, update, drop, and change callbacks
// ABOUTME: Covers last-writer-wins rebinding and stale-session updates

package presence

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestManager_BindAndGet(t *testing.T) {
	m := NewManager(testLogger)

	m.Bind("agent-1", "agent", "s1")

	rec, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "agent", rec.EntityType)

	_, ok = m.Get("agent-2")
	assert.False(t, ok)
}

func TestManager_Rebind_LastWriterWins(t *testing.T) {
	m := NewManager(testLogger)

	m.Bind("agent-1", "agent", "s1")
	m.Bind("agent-1", "agent", "s2")

	sessionID, ok := m.SessionFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "s2", sessionID)

	// The superseded session no longer owns the record.
	_, ok = m.Update("agent-1", "s1", StatusBusy, "")
	assert.False(t, ok)

	rec, ok := m.Update("agent-1", "s2", StatusBusy, "working")
	require.True(t, ok)
	assert.Equal(t, StatusBusy, rec.Status)
	assert.Equal(t, "working", rec.StatusText)
}

func TestManager_DropSession(t *testing.T) {
	m := NewManager(testLogger)

	m.Bind("agent-1", "agent", "s1")

	gone, ok := m.DropSession("s1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", gone.EntityID)
	assert.Equal(t, StatusOffline, gone.Status)

	_, ok = m.Get("agent-1")
	assert.False(t, ok, "record must not outlive its session")

	_, ok = m.DropSession("s1")
	assert.False(t, ok)
}

func TestManager_DropSession_SkipsRebound(t *testing.T) {
	m := NewManager(testLogger)

	m.Bind("agent-1", "agent", "s1")
	m.Bind("agent-1", "agent", "s2")

	// The old session departing must not take the rebound record with it.
	_, ok := m.DropSession("s1")
	assert.False(t, ok)

	rec, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, "s2", rec.SessionID)
}

func TestManager_Notifier(t *testing.T) {
	m := NewManager(testLogger)

	var changes []Record
	m.SetNotifier(func(rec Record) { changes = append(changes, rec) })

	m.Bind("agent-1", "agent", "s1")
	m.Update("agent-1", "s1", StatusAway, "")
	m.DropSession("s1")

	require.Len(t, changes, 3)
	assert.Equal(t, StatusOnline, changes[0].Status)
	assert.Equal(t, StatusAway, changes[1].Status)
	assert.Equal(t, StatusOffline, changes[2].Status)
}

func TestManager_List(t *testing.T) {
	m := NewManager(testLogger)

	m.Bind("bravo", "agent", "s2")
	m.Bind("alpha", "agent", "s1")

	records := m.List()
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].EntityID)
	assert.Equal(t, "bravo", records[1].EntityID)
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusOnline.Valid())
	assert.True(t, StatusBusy.Valid())
	assert.True(t, StatusAway.Valid())
	assert.False(t, StatusOffline.Valid(), "offline is server-set only")
	assert.False(t, Status("sleeping").Valid())
}
