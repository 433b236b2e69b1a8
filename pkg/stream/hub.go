// Package stream implements the process-local broadcast channel that
// fans AppEvents out to live subscribers: a concurrent registry of
// per-user event channels guarded by one read-write mutex. Publishers
// share the read lock; Subscribe and unsubscribe take the write lock.
package stream

import (
	"sync"

	"github.com/google/uuid"
)

func newSubscriptionID() string {
	return uuid.NewString()
}

// Event is the AppEvent delivered to live subscribers: addressed
// either to a single user or to an explicit receivers list (fan-out
// for group events like ChatMessage).
type Event struct {
	UserID    string         `json:"user_id,omitempty"`
	Kind      string         `json:"event"`
	Content   any            `json:"content"`
	Receivers []string       `json:"receivers,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// matches reports whether a subscriber registered under userID should
// receive this event: user_id == self, or self ∈ receivers.
func (e Event) matches(userID string) bool {
	if e.UserID == userID {
		return true
	}
	for _, r := range e.Receivers {
		if r == userID {
			return true
		}
	}
	return false
}

const subscriberBufferSize = 32

// Hub fans AppEvents out to live subscribers: a mutex-protected map of
// per-subscription buffered channels consumed by SSE handlers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[string]chan Event)}
}

// Subscribe registers a new subscription for userID and returns its
// event channel plus an unsubscribe function the caller must invoke
// exactly once (typically via defer) when the connection closes.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subID := newSubscriptionID()
	ch := make(chan Event, subscriberBufferSize)

	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[string]chan Event)
	}
	h.subscribers[userID][subID] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if conns, ok := h.subscribers[userID]; ok {
			delete(conns, subID)
			if len(conns) == 0 {
				delete(h.subscribers, userID)
			}
		}
	}

	return ch, unsubscribe
}

// Publish fans event out to every currently-subscribed channel it
// matches. Slow or full subscribers are silently skipped rather than
// blocking the publisher.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	candidates := map[string]struct{}{}
	if event.UserID != "" {
		candidates[event.UserID] = struct{}{}
	}
	for _, r := range event.Receivers {
		candidates[r] = struct{}{}
	}

	for userID := range candidates {
		for _, ch := range h.subscribers[userID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// OpenConnections reports how many live subscriptions userID currently
// holds, used by the presence guard to decide online/offline
// transitions.
func (h *Hub) OpenConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
