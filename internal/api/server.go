// Package api serves the HTTP surface: session queries, a submit endpoint
// that starts a turn, and live event streams over SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/hub"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
)

// Submitter starts a turn for an inbound message.
type Submitter interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (*gateway.Run, error)
}

// SequenceReader reports the next sequence a session would be assigned.
type SequenceReader interface {
	CurrentSequence(ctx context.Context, sessionID types.SessionID) (int64, error)
}

type Server struct {
	sessions  types.SessionStore
	log       types.EventLog
	messages  types.ProjectionStore
	hub       *hub.Hub
	submitter Submitter
	sequences SequenceReader
	router    chi.Router
}

func NewServer(sessions types.SessionStore, log types.EventLog, messages types.ProjectionStore, h *hub.Hub, submitter Submitter, sequences SequenceReader) *Server {
	srv := &Server{
		sessions:  sessions,
		log:       log,
		messages:  messages,
		hub:       h,
		submitter: submitter,
		sequences: sequences,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/sessions", srv.handleListSessions)
		r.Route("/sessions/{session}", func(r chi.Router) {
			r.Get("/messages", srv.handleMessages)
			r.Get("/events", srv.handleEvents)
			r.Get("/sequence", srv.handleSequence)
			r.Get("/stream", srv.handleSSE)
			r.Get("/ws", srv.handleWebSocket)
			// On submit the path segment is a session key, not an id.
			r.Post("/messages", srv.handleSubmit)
		})
	})

	srv.router = r
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting HTTP API", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "turnlog"})
}

type sessionResponse struct {
	SessionID    string    `json:"session_id"`
	SessionKey   string    `json:"session_key"`
	Agent        string    `json:"agent"`
	Status       string    `json:"status"`
	LastEventSeq int64     `json:"last_event_seq"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	EventCount   int64     `json:"event_count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		count, err := s.log.Count(ctx, sess.SessionID)
		if err != nil {
			slog.Warn("count events failed", "session_id", string(sess.SessionID), "error", err)
		}
		result = append(result, sessionResponse{
			SessionID:    string(sess.SessionID),
			SessionKey:   string(sess.SessionKey),
			Agent:        sess.Agent,
			Status:       sess.Status,
			LastEventSeq: sess.LastEventSeq,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			EventCount:   count,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sid := types.SessionID(chi.URLParam(r, "session"))
	rows, err := s.messages.List(r.Context(), sid, queryInt(r, "limit", 200))
	if err != nil {
		slog.Error("list messages failed", "session_id", string(sid), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if rows == nil {
		rows = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sid := types.SessionID(chi.URLParam(r, "session"))
	after := int64(queryInt(r, "after", -1))
	entries, err := s.log.Read(r.Context(), sid, after, queryInt(r, "limit", 500))
	if err != nil {
		slog.Error("read events failed", "session_id", string(sid), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []*types.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := types.SessionID(chi.URLParam(r, "session"))

	maxSeq, err := s.log.MaxSequence(ctx, sid)
	if err != nil {
		slog.Error("max sequence failed", "session_id", string(sid), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	resp := map[string]any{"session_id": string(sid), "max_committed": maxSeq}
	if s.sequences != nil {
		next, err := s.sequences.CurrentSequence(ctx, sid)
		if err != nil {
			slog.Warn("current sequence failed", "session_id", string(sid), "error", err)
		} else {
			resp["next"] = next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id"`
	Wait   bool   `json:"wait"`
}

type submitResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Response  string `json:"response,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "submit not configured"})
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	event := &types.InboundEvent{
		Source:     "http",
		SessionKey: types.NewSessionKey("http", chi.URLParam(r, "session")),
		UserID:     req.UserID,
		Text:       req.Text,
	}
	done := make(chan string, 1)
	run, err := s.submitter.HandleInbound(r.Context(), event, gateway.WithOnComplete(func(resp string) {
		done <- resp
	}))
	if err != nil {
		slog.Error("submit failed", "session_key", string(event.SessionKey), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	resp := submitResponse{RunID: string(run.ID), SessionID: string(run.SessionID)}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	select {
	case resp.Response = <-done:
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
	}
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// notFound reports whether err means the session does not exist.
func notFound(err error) bool {
	return errors.Is(err, state.ErrNotFound)
}
