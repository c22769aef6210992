// ABOUTME: Event router: named channel subscriptions, publish fan-out, direct sends
// ABOUTME: Subscribers are kept in subscription order; delivery is fire-and-forget

package router

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/mesh-gateway/internal/presence"
	"github.com/2389/mesh-gateway/internal/session"
)

// PresenceChannel is reserved for presence change broadcasts. Clients may
// subscribe to it but not publish on it.
const PresenceChannel = "presence"

// ChannelMessage is the payload of channel.message notifications.
type ChannelMessage struct {
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	Payload  any       `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

// DirectMessage is the payload of agent.message notifications.
type DirectMessage struct {
	SenderID string    `json:"sender_id"`
	Payload  any       `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

// Router fans events out to channel subscribers and routes direct messages
// to the session an entity is bound to.
type Router struct {
	mu       sync.RWMutex
	channels map[string][]*session.Session

	registry *session.Registry
	presence *presence.Manager
	logger   *slog.Logger
}

// New creates a router over the given session registry and presence manager.
func New(registry *session.Registry, pres *presence.Manager, logger *slog.Logger) *Router {
	return &Router{
		channels: make(map[string][]*session.Session),
		registry: registry,
		presence: pres,
		logger:   logger,
	}
}

// Subscribe adds a session to a channel. Idempotent: re-subscribing is not
// an error and does not duplicate delivery.
func (r *Router) Subscribe(sess *session.Session, channel string) {
	if !sess.AddChannel(channel) {
		return
	}

	r.mu.Lock()
	r.channels[channel] = append(r.channels[channel], sess)
	count := len(r.channels[channel])
	r.mu.Unlock()

	r.logger.Debug("channel subscribed",
		"channel", channel,
		"session_id", sess.ID,
		"subscribers", count,
	)
}

// Unsubscribe removes a session from a channel. Unsubscribing from a channel
// the session is not on is a no-op.
func (r *Router) Unsubscribe(sess *session.Session, channel string) {
	sess.RemoveChannel(channel)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sess, channel)
}

// UnsubscribeAll removes a departing session from every channel it is on.
func (r *Router) UnsubscribeAll(sess *session.Session) {
	for _, channel := range sess.Channels() {
		sess.RemoveChannel(channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.channels {
		r.removeLocked(sess, channel)
	}
}

// removeLocked drops sess from one channel's subscriber slice, preserving
// the order of the remaining subscribers. Caller holds r.mu.
func (r *Router) removeLocked(sess *session.Session, channel string) {
	subs := r.channels[channel]
	for i, s := range subs {
		if s.ID == sess.ID {
			r.channels[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.channels[channel]) == 0 {
		delete(r.channels, channel)
	}
}

// Publish delivers a payload to every subscriber of a channel except the
// sender, in subscription order. Delivery is fire-and-forget: a subscriber
// with a full queue is skipped. Returns the number of sessions the message
// was queued for. Publishing to a channel with no subscribers succeeds with
// a count of zero.
func (r *Router) Publish(sender *session.Session, channel string, payload any) int {
	msg := ChannelMessage{
		Channel:  channel,
		SenderID: sender.EntityID(),
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	}

	r.mu.RLock()
	subs := append([]*session.Session(nil), r.channels[channel]...)
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.ID == sender.ID {
			continue
		}
		if sub.Notify("channel.message", msg) {
			delivered++
		}
	}

	r.logger.Debug("channel publish",
		"channel", channel,
		"sender_session", sender.ID,
		"delivered", delivered,
	)
	return delivered
}

// Broadcast delivers a server-originated notification to every subscriber
// of a channel, with no sender exclusion.
func (r *Router) Broadcast(channel, method string, params any) int {
	r.mu.RLock()
	subs := append([]*session.Session(nil), r.channels[channel]...)
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.Notify(method, params) {
			delivered++
		}
	}
	return delivered
}

// Send routes a direct message to the session the target entity is bound
// to. Returns false with no error when the target is offline.
func (r *Router) Send(sender *session.Session, targetEntityID string, payload any) (delivered bool) {
	sessionID, ok := r.presence.SessionFor(targetEntityID)
	if !ok {
		return false
	}
	target, ok := r.registry.Get(sessionID)
	if !ok {
		return false
	}

	msg := DirectMessage{
		SenderID: sender.EntityID(),
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	}
	return target.Notify("agent.message", msg)
}

// Channels returns the names of channels with at least one subscriber, sorted.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubscriberCount returns how many sessions are subscribed to a channel.
func (r *Router) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}
