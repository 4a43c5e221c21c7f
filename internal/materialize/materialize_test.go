package materialize

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
)

func newStores(t *testing.T) (*state.EventLog, *state.MessageStore) {
	t.Helper()
	dir := t.TempDir()
	return state.NewEventLog(dir), state.NewMessageStore(dir)
}

// appendPayload writes p to the log at seq and returns the entry.
func appendPayload(t *testing.T, log *state.EventLog, sid types.SessionID, seq int64, p events.Payload) *types.LogEntry {
	t.Helper()
	data, err := events.EncodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	req := &types.AppendRequest{
		EventID:   types.NewEventID(),
		SessionID: sid,
		EventType: string(p.Kind()),
		Sequence:  &seq,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	res, err := log.Append(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return &types.LogEntry{
		ID:             res.ID,
		SessionID:      sid,
		EventType:      req.EventType,
		SequenceNumber: *res.SequenceNumber,
		Timestamp:      res.Timestamp,
		Data:           json.RawMessage(data),
	}
}

func jobFor(t *testing.T, entry *types.LogEntry) *types.MaterializationJob {
	t.Helper()
	job, err := events.JobFromEntry(entry)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestWorkerApply_ToolPairAnyOrder(t *testing.T) {
	log, msgs := newStores(t)
	w := NewWorker(msgs, log)
	ctx := context.Background()
	sid := types.NewSessionID()

	req := appendPayload(t, log, sid, 0, events.ToolRequested{
		MessageID: "msg_1", BlockIndex: 1, ToolCallID: "toolu_1", ToolName: "read_url",
		Input: map[string]any{"url": "https://example.com"},
	})
	resp := appendPayload(t, log, sid, 1, events.ToolResponded{
		ToolCallID: "toolu_1", ToolName: "read_url", Output: "# Example", DurationMS: 12,
	})

	// Response lands first.
	if err := w.Apply(ctx, jobFor(t, resp)); err != nil {
		t.Fatal(err)
	}
	if err := w.Apply(ctx, jobFor(t, req)); err != nil {
		t.Fatal(err)
	}

	row, err := msgs.Get(ctx, sid, "toolu_1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Content != "# Example" {
		t.Errorf("content = %q", row.Content)
	}
	if row.SequenceNumber != 1 || row.EventID != resp.ID {
		t.Errorf("back-refs = %d/%s, want 1/%s", row.SequenceNumber, row.EventID, resp.ID)
	}
	if row.Metadata["status"] != "completed" || row.Metadata["message_id"] != "msg_1" {
		t.Errorf("metadata = %v", row.Metadata)
	}

	pending, err := log.Unprocessed(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected all entries processed, %d pending", len(pending))
	}
}

func TestLocalQueue(t *testing.T) {
	log, msgs := newStores(t)
	q := NewLocalQueue(NewWorker(msgs, log), 2)
	q.Start(context.Background())
	defer q.Stop()
	ctx := context.Background()
	sid := types.NewSessionID()

	entry := appendPayload(t, log, sid, 0, events.UserMessageSubmitted{MessageID: "u1", Content: "hello", Source: "api"})
	id, err := q.Enqueue(ctx, jobFor(t, entry))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("expected job id")
	}
	if !q.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}

	row, err := msgs.Get(ctx, sid, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Role != "user" || row.Content != "hello" {
		t.Errorf("row = %+v", row)
	}
}

func TestReplayer(t *testing.T) {
	log, msgs := newStores(t)
	ctx := context.Background()
	a, b := types.NewSessionID(), types.NewSessionID()

	appendPayload(t, log, a, 0, events.UserMessageSubmitted{MessageID: "u1", Content: "hi"})
	appendPayload(t, log, a, 1, events.AssistantMessageEmitted{MessageID: "msg_a", BlockIndex: 0, Text: "hello", Model: "lorem"})
	appendPayload(t, log, b, 0, events.ReasoningEmitted{MessageID: "msg_b", BlockIndex: 0, Text: "thinking"})

	q := NewLocalQueue(NewWorker(msgs, log), 2)
	q.Start(ctx)
	defer q.Stop()

	n, err := NewReplayer(log, q).Run(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("enqueued %d jobs, want 3", n)
	}
	if !q.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}

	if rows, _ := msgs.List(ctx, a, 0); len(rows) != 2 {
		t.Errorf("session a rows = %d, want 2", len(rows))
	}
	if row, err := msgs.Get(ctx, b, "msg_b_0"); err != nil || row.MessageType != events.MessageTypeReasoning {
		t.Errorf("session b reasoning row = %+v, %v", row, err)
	}

	// Everything is processed now, so a second pass is a no-op.
	n, err = NewReplayer(log, q).Run(ctx, 0)
	if err != nil || n != 0 {
		t.Errorf("second replay = %d, %v", n, err)
	}
}

type captureQueue struct {
	jobs []*types.MaterializationJob
}

func (c *captureQueue) Enqueue(_ context.Context, job *types.MaterializationJob) (string, error) {
	c.jobs = append(c.jobs, job)
	return string(job.JobID), nil
}

func TestReplayedJobsGetFreshMsgID(t *testing.T) {
	log, _ := newStores(t)
	ctx := context.Background()
	sid := types.NewSessionID()
	appendPayload(t, log, sid, 0, events.AssistantMessageEmitted{MessageID: "msg_a", BlockIndex: 0, Text: "hello", Model: "lorem"})

	entries, err := log.Read(ctx, sid, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	live, err := events.JobFromEntry(entries[0])
	if err != nil {
		t.Fatal(err)
	}

	q := &captureQueue{}
	if _, err := NewReplayer(log, q).Run(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 || !q.jobs[0].Replay {
		t.Fatalf("replayed jobs = %+v", q.jobs)
	}
	if msgID(live) != string(live.EventID) {
		t.Errorf("live msg id = %s", msgID(live))
	}
	if msgID(q.jobs[0]) == msgID(live) {
		t.Error("replayed job reuses the live dedupe key")
	}
}
