package hub

import (
	"testing"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/types"
)

func TestHubRoutesBySession(t *testing.T) {
	h := New()
	a := h.Subscribe("s1")
	b := h.Subscribe("s2")
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(events.UIMessage{Type: events.UIChunk, SessionID: "s1", Delta: "hi"})

	select {
	case msg := <-a.C:
		if msg.Delta != "hi" {
			t.Errorf("delta = %q", msg.Delta)
		}
	default:
		t.Fatal("subscriber for s1 got nothing")
	}
	select {
	case msg := <-b.C:
		t.Errorf("subscriber for s2 got %+v", msg)
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := New()
	sub := h.Subscribe("s1")
	defer h.Unsubscribe(sub)

	for i := 0; i < defaultBuffer+5; i++ {
		h.Publish(events.UIMessage{SessionID: "s1"})
	}
	if sub.Dropped() != 5 {
		t.Errorf("dropped = %d, want 5", sub.Dropped())
	}
	if len(sub.C) != defaultBuffer {
		t.Errorf("buffered = %d, want %d", len(sub.C), defaultBuffer)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := New()
	sid := types.SessionID("s1")
	sub := h.Subscribe(sid)
	if h.Subscribers(sid) != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers(sid))
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	if h.Subscribers(sid) != 0 {
		t.Errorf("subscribers after unsubscribe = %d", h.Subscribers(sid))
	}
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel")
	}

	// Publishing with no subscribers is a no-op.
	h.Publish(events.UIMessage{SessionID: sid})
}
