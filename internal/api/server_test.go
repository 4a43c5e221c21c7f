package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/hub"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/stream"
	"github.com/user/turnlog/internal/types"
)

type fakeSubmitter struct {
	sessions *state.SessionStore
	events   []*types.InboundEvent
	reply    string
}

func (f *fakeSubmitter) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (*gateway.Run, error) {
	sid, err := f.sessions.ResolveOrCreate(ctx, event.SessionKey, "default")
	if err != nil {
		return nil, err
	}
	f.events = append(f.events, event)
	run := gateway.NewRun(sid, event)
	for _, opt := range opts {
		opt(run)
	}
	if f.reply != "" && run.OnComplete != nil {
		run.OnComplete(f.reply)
	}
	return run, nil
}

type fixedSequence int64

func (f fixedSequence) CurrentSequence(context.Context, types.SessionID) (int64, error) {
	return int64(f), nil
}

type fixture struct {
	srv       *Server
	hub       *hub.Hub
	log       *state.EventLog
	messages  *state.MessageStore
	submitter *fakeSubmitter
	sid       types.SessionID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	sessions := state.NewSessionStore(dir)
	f := &fixture{
		hub:       hub.New(),
		log:       state.NewEventLog(dir),
		messages:  state.NewMessageStore(dir),
		submitter: &fakeSubmitter{sessions: sessions},
	}
	sid, err := sessions.ResolveOrCreate(context.Background(), "http:alice", "default")
	if err != nil {
		t.Fatal(err)
	}
	f.sid = sid
	f.srv = NewServer(sessions, f.log, f.messages, f.hub, f.submitter, fixedSequence(7))
	return f
}

func (f *fixture) appendEntries(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seq := int64(i)
		_, err := f.log.Append(context.Background(), &types.AppendRequest{
			EventID:   types.NewEventID(),
			SessionID: f.sid,
			EventType: string(events.KindAssistantMessageEmitted),
			Sequence:  &seq,
			Data:      json.RawMessage(`{"text":"hi"}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	f.appendEntries(t, 2)

	w := f.get(t, "/api/v1/sessions")
	var resp []sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 || resp[0].SessionID != string(f.sid) || resp[0].EventCount != 2 {
		t.Errorf("sessions = %+v", resp)
	}
}

func TestEventsAfter(t *testing.T) {
	f := newFixture(t)
	f.appendEntries(t, 4)

	w := f.get(t, "/api/v1/sessions/"+string(f.sid)+"/events?after=1")
	var entries []types.LogEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].SequenceNumber != 2 || entries[1].SequenceNumber != 3 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMessagesEmptySession(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/api/v1/sessions/"+string(f.sid)+"/messages")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestSequence(t *testing.T) {
	f := newFixture(t)
	f.appendEntries(t, 3)

	w := f.get(t, "/api/v1/sessions/"+string(f.sid)+"/sequence")
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["max_committed"] != float64(2) {
		t.Errorf("max_committed = %v", resp["max_committed"])
	}
	if resp["next"] != float64(7) {
		t.Errorf("next = %v", resp["next"])
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	body := strings.NewReader(`{"text":"hello","user_id":"u1"}`)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/alice/messages", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp submitResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.SessionID != string(f.sid) || resp.RunID == "" {
		t.Errorf("response = %+v", resp)
	}
	if len(f.submitter.events) != 1 || f.submitter.events[0].SessionKey != "http:alice" || f.submitter.events[0].Source != "http" {
		t.Errorf("submitted = %+v", f.submitter.events)
	}
}

func TestSubmitWait(t *testing.T) {
	f := newFixture(t)
	f.submitter.reply = "done"

	body := strings.NewReader(`{"text":"hello","wait":true}`)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/alice/messages", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp submitResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Response != "done" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`not json`, `{"text":""}`} {
		w := httptest.NewRecorder()
		f.srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/alice/messages", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestStreamUnknownSession(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/api/v1/sessions/nope/stream")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

type sseFrame struct {
	id    string
	event string
	data  string
}

func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func persistedMessage(sid types.SessionID, seq int64) events.UIMessage {
	return events.EntryMessage(&types.LogEntry{
		ID:             types.NewEventID(),
		SessionID:      sid,
		EventType:      string(events.KindAssistantMessageEmitted),
		SequenceNumber: seq,
		Data:           json.RawMessage(`{}`),
	})
}

func TestSSEBacklogThenLive(t *testing.T) {
	f := newFixture(t)
	f.appendEntries(t, 3)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/sessions/"+string(f.sid)+"/stream", nil)
	req.Header.Set("Last-Event-ID", "0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	for _, want := range []string{"1", "2"} {
		if fr := readFrame(t, r); fr.id != want || fr.event != events.UIEvent {
			t.Fatalf("backlog frame = %+v, want id %s", fr, want)
		}
	}

	// The subscription is registered before headers are sent.
	f.hub.Publish(events.ChunkMessage(f.sid, stream.Chunk{BlockIndex: 0, Kind: "text", Text: "hel"}))
	f.hub.Publish(persistedMessage(f.sid, 2))
	f.hub.Publish(persistedMessage(f.sid, 3))

	chunk := readFrame(t, r)
	if chunk.event != events.UIChunk || chunk.id != "" {
		t.Fatalf("chunk frame = %+v", chunk)
	}
	var msg events.UIMessage
	if err := json.Unmarshal([]byte(chunk.data), &msg); err != nil || msg.Delta != "hel" {
		t.Fatalf("chunk data = %s (%v)", chunk.data, err)
	}
	if fr := readFrame(t, r); fr.id != "3" {
		t.Fatalf("expected duplicate sequence 2 to be skipped, got %+v", fr)
	}
}

func TestCursorPassesOutOfOrderSequences(t *testing.T) {
	cur := newCursor()
	for _, seq := range []int64{100, 103, 101, 102} {
		if !cur.fresh(persistedMessage("s1", seq)) {
			t.Errorf("persisted %d dropped", seq)
		}
	}
}

func TestCursorSkipsBacklogOnce(t *testing.T) {
	cur := newCursor()
	cur.backlog(persistedMessage("s1", 4))
	if cur.fresh(persistedMessage("s1", 4)) {
		t.Error("backlog entry sent twice")
	}
	if !cur.fresh(persistedMessage("s1", 3)) {
		t.Error("sequence below the backlog dropped")
	}
	if len(cur.sent) != 0 {
		t.Errorf("cursor kept %d marks", len(cur.sent))
	}
}

func TestSSEDeliversToolPairsAfterLaterEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/sessions/"+string(f.sid)+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)

	order := []int64{100, 103, 101, 102}
	for _, seq := range order {
		f.hub.Publish(persistedMessage(f.sid, seq))
	}
	for _, seq := range order {
		want := strconv.FormatInt(seq, 10)
		if fr := readFrame(t, r); fr.id != want {
			t.Fatalf("frame = %+v, want id %s", fr, want)
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	f.appendEntries(t, 2)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + string(f.sid) + "/ws?after=-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []int64
	for i := 0; i < 2; i++ {
		var msg events.UIMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		got = append(got, *msg.Sequence)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Fatalf("backlog = %v", got)
	}

	f.hub.Publish(persistedMessage(f.sid, 2))
	var msg events.UIMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Sequence == nil || *msg.Sequence != 2 || msg.Lifecycle != events.LifecyclePersisted {
		t.Errorf("live message = %+v", msg)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers(f.sid) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.hub.Subscribers(f.sid); n != 0 {
		t.Errorf("subscribers after close = %d", n)
	}
}
