// ABOUTME: Session state for one live connection: identity binding, outbound queue, activity
// ABOUTME: A single writer per connection drains the queue, preserving delivery order

package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/protocol"
)

// Session errors
var (
	// ErrAlreadyAuthenticated means the session's entity binding is immutable;
	// re-authentication requires a new connection.
	ErrAlreadyAuthenticated = errors.New("session already authenticated")

	// ErrSessionClosed means the session has been shut down.
	ErrSessionClosed = errors.New("session closed")
)

// outboundDepth bounds the per-session queue. Responses block when full;
// notifications are dropped (fire-and-forget).
const outboundDepth = 64

// Session is the server-side state bound to one live connection. The
// connection handle itself stays with the supervisor; everything else about
// the link lives here.
type Session struct {
	// ID is the session identifier, generated at accept time.
	ID string

	// ConnectionID identifies the underlying transport connection and is
	// included in the welcome notification.
	ConnectionID string

	ConnectedAt time.Time

	mu              sync.RWMutex
	entityID        string
	entityType      string
	capabilities    []string
	permissions     []string
	authenticatedAt time.Time
	channels        map[string]struct{}

	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64

	logger *slog.Logger
}

// New creates a Session for a freshly accepted connection.
func New(id, connectionID string, logger *slog.Logger) *Session {
	s := &Session{
		ID:           id,
		ConnectionID: connectionID,
		ConnectedAt:  time.Now().UTC(),
		channels:     make(map[string]struct{}),
		out:          make(chan []byte, outboundDepth),
		done:         make(chan struct{}),
		logger:       logger,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Bind attaches an authenticated identity to the session. The binding is
// immutable: a second call fails with ErrAlreadyAuthenticated.
func (s *Session) Bind(entityID, entityType string, capabilities, permissions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entityID != "" {
		return ErrAlreadyAuthenticated
	}
	s.entityID = entityID
	s.entityType = entityType
	s.capabilities = append([]string(nil), capabilities...)
	s.permissions = append([]string(nil), permissions...)
	s.authenticatedAt = time.Now().UTC()
	return nil
}

// Authenticated reports whether the session has a bound entity.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entityID != ""
}

// EntityID returns the bound entity ID, or "" before authentication.
func (s *Session) EntityID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entityID
}

// EntityType returns the bound entity type, or "" before authentication.
func (s *Session) EntityType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entityType
}

// Capabilities returns a copy of the capabilities declared at auth time.
func (s *Session) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.capabilities...)
}

// Permissions returns a copy of the permission prefixes carried by the
// token used to authenticate.
func (s *Session) Permissions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.permissions...)
}

// AuthenticatedAt returns the authentication time, zero before auth.
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedAt
}

// Touch records inbound activity. Heartbeat eviction is driven by this
// timestamp, not by request completion.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns the time elapsed since the last inbound activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// LastActivityAt returns the time of the last inbound activity.
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// AddChannel records a channel subscription on the session. Returns false if
// the subscription already existed (idempotent).
func (s *Session) AddChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return false
	}
	s.channels[name] = struct{}{}
	return true
}

// RemoveChannel drops a channel subscription from the session.
func (s *Session) RemoveChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, name)
}

// Channels returns the session's subscribed channels, sorted.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enqueue places a marshaled envelope on the outbound queue, blocking until
// there is room. Used for responses, which must not be dropped.
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Notify marshals and enqueues a server notification without blocking.
// Returns false if the session is closed or its queue is full; a slow
// subscriber never blocks delivery to others.
func (s *Session) Notify(method string, params any) bool {
	data, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		s.logger.Error("marshaling notification", "method", method, "error", err)
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	default:
		metrics.NotificationsDropped.Inc()
		s.logger.Warn("outbound queue full, dropping notification",
			"session_id", s.ID,
			"method", method,
		)
		return false
	}
}

// Outbound returns the queue drained by the connection's writer goroutine.
// The writer must also select on Done; the channel itself is never closed.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
