package state

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/user/turnlog/internal/types"
)

// pgStores connects to TURNLOG_TEST_DATABASE_URL or skips.
func pgStores(t *testing.T) (*PgEventLog, *PgMessageStore) {
	t.Helper()
	url := os.Getenv("TURNLOG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TURNLOG_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	log, msgs := NewPgEventLog(pool), NewPgMessageStore(pool)
	if err := log.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure event_log: %v", err)
	}
	if err := msgs.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure messages: %v", err)
	}
	return log, msgs
}

func TestPgEventLog(t *testing.T) {
	log, _ := pgStores(t)
	ctx := context.Background()
	sid := types.NewSessionID()
	t.Cleanup(func() { log.Purge(context.Background(), sid) })

	if max, err := log.MaxSequence(ctx, sid); err != nil || max != -1 {
		t.Fatalf("MaxSequence on empty session = %d, %v", max, err)
	}

	first, err := log.Append(ctx, &types.AppendRequest{
		EventID: types.NewEventID(), SessionID: sid, EventType: "user_message_submitted", Sequence: seqPtr(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if *first.SequenceNumber != 0 {
		t.Errorf("sequence = %d, want 0", *first.SequenceNumber)
	}

	_, err = log.Append(ctx, &types.AppendRequest{
		EventID: types.NewEventID(), SessionID: sid, EventType: "x", Sequence: seqPtr(0),
	})
	if !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("expected ErrSequenceConflict, got %v", err)
	}
	_, err = log.Append(ctx, &types.AppendRequest{
		EventID: first.ID, SessionID: sid, EventType: "x", Sequence: seqPtr(1),
	})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}

	if err := log.MarkProcessed(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	entries, err := log.Read(ctx, sid, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].Processed {
		t.Errorf("Read = %+v", entries)
	}
}

func TestPgMessageStore_MergeOrder(t *testing.T) {
	_, msgs := pgStores(t)
	ctx := context.Background()
	sid := types.NewSessionID()
	t.Cleanup(func() { msgs.Clear(context.Background(), sid) })

	if err := msgs.Upsert(ctx, toolResponseRow(sid)); err != nil {
		t.Fatal(err)
	}
	if err := msgs.Upsert(ctx, toolRequestRow(sid)); err != nil {
		t.Fatal(err)
	}

	row, err := msgs.Get(ctx, sid, "toolu_1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Content != "42 results" || row.SequenceNumber != 6 {
		t.Errorf("row = %+v", row)
	}
	if row.Metadata["status"] != "completed" || row.Metadata["tool_name"] != "search" {
		t.Errorf("metadata = %v", row.Metadata)
	}

	if _, err := msgs.Get(ctx, sid, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
