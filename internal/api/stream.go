package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/hub"
	"github.com/user/turnlog/internal/types"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sseKeepAlive = 15 * time.Second
	backlogLimit = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// cursor drops a live persisted event when the backlog already carried it.
// Tool pairs commit after later sync events, so live sequences arrive out of
// order and only the backlog's own set is a safe filter.
type cursor struct {
	sent map[int64]bool
}

func newCursor() *cursor {
	return &cursor{sent: make(map[int64]bool)}
}

// backlog records a message sent from the durable log.
func (c *cursor) backlog(msg events.UIMessage) {
	if msg.Sequence != nil {
		c.sent[*msg.Sequence] = true
	}
}

// fresh reports whether a live message still needs sending. A live
// duplicate of a backlog entry arrives at most once, so its mark is dropped.
func (c *cursor) fresh(msg events.UIMessage) bool {
	if msg.Sequence == nil || msg.Lifecycle != events.LifecyclePersisted {
		return true
	}
	if c.sent[*msg.Sequence] {
		delete(c.sent, *msg.Sequence)
		return false
	}
	return true
}

// resumePoint reads the sequence a client wants to resume after, from the
// SSE Last-Event-ID header or the after query parameter.
func resumePoint(r *http.Request) (int64, bool) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return -1, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1, false
	}
	return n, true
}

// openStream subscribes to live updates and then loads the durable backlog
// so nothing committed between the two is missed.
func (s *Server) openStream(ctx context.Context, w http.ResponseWriter, r *http.Request) (*hub.Subscription, []events.UIMessage, *cursor, bool) {
	sid := types.SessionID(chi.URLParam(r, "session"))
	if _, err := s.sessions.Get(ctx, sid); err != nil {
		if notFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		} else {
			slog.Error("load session failed", "session_id", string(sid), "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return nil, nil, nil, false
	}

	sub := s.hub.Subscribe(sid)
	cur := newCursor()
	after, replay := resumePoint(r)
	if !replay {
		return sub, nil, cur, true
	}

	entries, err := s.log.Read(ctx, sid, after, backlogLimit)
	if err != nil {
		s.hub.Unsubscribe(sub)
		slog.Error("read backlog failed", "session_id", string(sid), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return nil, nil, nil, false
	}
	backlog := make([]events.UIMessage, 0, len(entries))
	for _, e := range entries {
		backlog = append(backlog, events.EntryMessage(e))
	}
	return sub, backlog, cur, true
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	sub, backlog, cur, ok := s.openStream(ctx, w, r)
	if !ok {
		return
	}
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, msg := range backlog {
		cur.backlog(msg)
		if err := writeSSE(w, msg); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if !cur.fresh(msg) {
				continue
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, msg events.UIMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.Sequence != nil && msg.Lifecycle == events.LifecyclePersisted {
		if _, err := fmt.Fprintf(w, "id: %d\n", *msg.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, backlog, cur, ok := s.openStream(r.Context(), w, r)
	if !ok {
		return
	}
	defer s.hub.Unsubscribe(sub)

	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	// Client frames are ignored; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	writeWS(wc, sub, backlog, cur, closed)
}

func writeWS(wc *websocket.Conn, sub *hub.Subscription, backlog []events.UIMessage, cur *cursor, closed <-chan struct{}) {
	defer wc.Close()
	send := func(msg events.UIMessage) error {
		wc.SetWriteDeadline(time.Now().Add(writeTimeout))
		return wc.WriteJSON(msg)
	}

	for _, msg := range backlog {
		cur.backlog(msg)
		if err := send(msg); err != nil {
			return
		}
	}

	t := time.NewTicker(pingInterval)
	defer t.Stop()
Outer:
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				break Outer
			}
			if !cur.fresh(msg) {
				continue
			}
			if err := send(msg); err != nil {
				return
			}
		case <-t.C:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
	wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	wc.WriteMessage(websocket.CloseMessage, []byte{})
}
