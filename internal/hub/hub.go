// Package hub fans live UI messages out to per-session subscribers.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/types"
)

const defaultBuffer = 64

// Subscription receives every message published for one session.
type Subscription struct {
	C         <-chan events.UIMessage
	ch        chan events.UIMessage
	sessionID types.SessionID
	dropped   atomic.Int64
}

// Dropped returns how many messages were skipped because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub is an in-process publish/subscribe bus keyed by session. Publish never
// blocks: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[types.SessionID]map[*Subscription]struct{}
	buffer int
}

func New() *Hub {
	return &Hub{
		subs:   make(map[types.SessionID]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe returns a buffered subscription for sessionID.
func (h *Hub) Subscribe(sessionID types.SessionID) *Subscription {
	ch := make(chan events.UIMessage, h.buffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Calling it twice
// is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Publish delivers msg to every subscriber of its session.
func (h *Hub) Publish(msg events.UIMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[msg.SessionID] {
		select {
		case sub.ch <- msg:
		default:
			// subscriber is behind; drop to avoid blocking the turn
			if sub.dropped.Add(1) == 1 {
				slog.Warn("hub subscriber falling behind", "session_id", string(msg.SessionID))
			}
		}
	}
}

// Subscribers returns the number of live subscriptions for sessionID.
func (h *Hub) Subscribers(sessionID types.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
