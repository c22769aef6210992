// ABOUTME: Presence tracking: entity status records bound to live sessions
// ABOUTME: Last writer wins on session binding; records never outlive their session

package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is an entity's declared availability.
type Status string

// Presence statuses. Offline is only ever reported in change notifications;
// an offline entity has no record.
const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a status a client may set.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusAway:
		return true
	}
	return false
}

// Record is the presence state of one entity.
type Record struct {
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	SessionID  string    `json:"session_id"`
	Status     Status    `json:"status"`
	StatusText string    `json:"status_text,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Notifier is invoked after every presence change, outside the manager's
// lock. The gateway wires this to the reserved presence channel broadcast.
type Notifier func(rec Record)

// Manager tracks which entities are reachable and through which session.
// An entity authenticated on two connections is bound to the most recent
// one; the older session keeps its link but loses addressability.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  *slog.Logger

	notify Notifier
}

// NewManager creates an empty presence manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// SetNotifier installs the change callback. Must be called before the
// gateway starts accepting connections.
func (m *Manager) SetNotifier(fn Notifier) {
	m.notify = fn
}

// Bind marks an entity online through the given session. Called at
// authentication time. If the entity was already bound to another session,
// the new session wins.
func (m *Manager) Bind(entityID, entityType, sessionID string) {
	m.mu.Lock()
	prev, existed := m.records[entityID]
	rec := Record{
		EntityID:   entityID,
		EntityType: entityType,
		SessionID:  sessionID,
		Status:     StatusOnline,
		UpdatedAt:  time.Now().UTC(),
	}
	m.records[entityID] = &rec
	m.mu.Unlock()

	if existed && prev.SessionID != sessionID {
		m.logger.Info("presence rebound to newer session",
			"entity_id", entityID,
			"old_session_id", prev.SessionID,
			"new_session_id", sessionID,
		)
	}
	m.changed(rec)
}

// Update sets the status of an entity bound to the given session. Returns
// false when the entity has no record or the session is not the one the
// entity is currently bound to.
func (m *Manager) Update(entityID, sessionID string, status Status, statusText string) (Record, bool) {
	m.mu.Lock()
	rec, ok := m.records[entityID]
	if !ok || rec.SessionID != sessionID {
		m.mu.Unlock()
		return Record{}, false
	}
	rec.Status = status
	rec.StatusText = statusText
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	m.mu.Unlock()

	m.changed(snapshot)
	return snapshot, true
}

// Get returns the presence record for an entity, if it is online.
func (m *Manager) Get(entityID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entityID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SessionFor returns the session ID an entity is currently bound to.
func (m *Manager) SessionFor(entityID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entityID]
	if !ok {
		return "", false
	}
	return rec.SessionID, true
}

// List returns all presence records, sorted by entity ID.
func (m *Manager) List() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// DropSession removes the record bound to a departing session and reports
// the entity that went offline. Records bound to other sessions (the entity
// reconnected elsewhere) are left alone.
func (m *Manager) DropSession(sessionID string) (Record, bool) {
	m.mu.Lock()
	var gone Record
	found := false
	for entityID, rec := range m.records {
		if rec.SessionID == sessionID {
			gone = *rec
			gone.Status = StatusOffline
			gone.UpdatedAt = time.Now().UTC()
			delete(m.records, entityID)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if found {
		m.changed(gone)
	}
	return gone, found
}

func (m *Manager) changed(rec Record) {
	if m.notify != nil {
		m.notify(rec)
	}
}
